package store

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/poiscout/internal/agent/core"
)

// MultiRecorder hands every snapshot to each recorder and joins their errors.
type MultiRecorder []core.Recorder

func (m MultiRecorder) RecordRound(ctx context.Context, snap core.RoundSnapshot) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.RecordRound(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
