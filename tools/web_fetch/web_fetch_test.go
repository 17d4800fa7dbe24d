package web_fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const articlePage = `<!doctype html>
<html><head><title>Best pastelarias in Lisbon</title></head>
<body>
<nav>Home | About</nav>
<article>
<h1>Best pastelarias in Lisbon</h1>
<p>Pasteis de Belem has been baking custard tarts on Rua de Belem since 1837 and is the obvious first stop for anyone visiting the city.</p>
<p>Manteigaria in Chiado is a younger rival whose tarts come out of the oven every few minutes, served warm with cinnamon and powdered sugar.</p>
<p>Confeitaria Nacional on Praca da Figueira is one of the oldest bakeries in Lisbon and still uses its original counters and mirrors.</p>
</article>
<footer>Copyright</footer>
</body></html>`

func TestNewWebFetcher(t *testing.T) {
	f, err := NewWebFetcher(HTTPFetcherType, 0, 0, "")
	require.NoError(t, err)
	assert.NotNil(t, f)

	_, err = NewWebFetcher("curl", 0, 0, "")
	assert.ErrorIs(t, err, ErrUnsupportedFetcher)
}

func TestHTTPFetcherExtractsArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "poiscout-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(articlePage))
	}))
	defer srv.Close()

	f, err := NewWebFetcher(HTTPFetcherType, time.Second, 0, "poiscout-test")
	require.NoError(t, err)
	res, err := f.Exec(context.Background(), srv.URL+"/pastelarias")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.Status)
	assert.Contains(t, res.Text, "Manteigaria in Chiado")
	assert.NotContains(t, res.Text, "<p>")
	assert.Len(t, res.HTMLHash, 40)
}

func TestHTTPFetcherTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(articlePage))
	}))
	defer srv.Close()

	f, err := NewWebFetcher(HTTPFetcherType, time.Second, 40, "")
	require.NoError(t, err)
	res, err := f.Exec(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(res.Text)), 41)
	assert.True(t, strings.HasSuffix(res.Text, "…"))
}

func TestHTTPFetcherErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, err := NewWebFetcher(HTTPFetcherType, time.Second, 0, "")
	require.NoError(t, err)
	res, err := f.Exec(context.Background(), srv.URL)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)
}

func TestFetcherRejectsBlankURL(t *testing.T) {
	f, err := NewWebFetcher(HTTPFetcherType, time.Second, 0, "")
	require.NoError(t, err)
	_, err = f.Exec(context.Background(), "  ")
	assert.Error(t, err)
}
