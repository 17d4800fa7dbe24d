package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mohammad-safakhou/poiscout/config"
	"github.com/mohammad-safakhou/poiscout/internal/agent/core"
	"github.com/mohammad-safakhou/poiscout/internal/runtime"
)

type stepExport struct {
	StepID        string        `yaml:"step_id"`
	ActionPlan    string        `yaml:"action_plan"`
	SearchRequest string        `yaml:"search_request"`
	Executed      bool          `yaml:"executed"`
	Summary       string        `yaml:"summary,omitempty"`
	Sources       []string      `yaml:"sources,omitempty"`
	Records       []core.Record `yaml:"records,omitempty"`
	Revisions     int           `yaml:"revisions,omitempty"`
}

type sessionExport struct {
	SessionID    string              `yaml:"session_id"`
	Topic        string              `yaml:"topic"`
	Rounds       []core.RoundSummary `yaml:"rounds"`
	ExecutionLog []stepExport        `yaml:"execution_log"`
	Records      []core.Record       `yaml:"records"`
	Sources      []string            `yaml:"sources,omitempty"`
}

func exportSession(sess *core.Session) sessionExport {
	out := sessionExport{
		SessionID: sess.ID,
		Topic:     sess.Request.Topic,
		Rounds:    sess.Rounds,
		Records:   sess.Records(),
		Sources:   sess.State.Sources(),
	}
	if sess.Plan != nil {
		for _, st := range sess.Plan.Steps {
			out.ExecutionLog = append(out.ExecutionLog, stepExport{
				StepID:        st.StepID,
				ActionPlan:    st.ActionPlan,
				SearchRequest: st.SearchRequest,
				Executed:      st.Executed,
				Summary:       st.Summary,
				Sources:       st.SourcesUsed,
				Records:       st.ExecutionResult,
				Revisions:     len(st.History),
			})
		}
	}
	return out
}

func writeExport(w io.Writer, sess *core.Session) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(exportSession(sess)); err != nil {
		return err
	}
	return enc.Close()
}

func searchCMD(cfgPath *string) *cobra.Command {
	var (
		onlineOpt     bool
		rounds        int
		stepsPerRound int
		useSkills     bool
		createSkills  bool
		outPath       string
		persist       bool
	)
	cmd := &cobra.Command{
		Use:   "search <topic>",
		Short: "Run one POI search session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if !persist {
				cfg.Storage = config.StorageConfig{}
			}

			ctx, stop := runtime.SignalContext(cmd.Context())
			defer stop()

			app, err := runtime.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			sess, err := app.Search(ctx, runtime.SearchOptions{
				Request:       core.Request{Topic: strings.Join(args, " ")},
				OnlineOpt:     onlineOpt,
				Rounds:        rounds,
				StepsPerRound: stepsPerRound,
				UseSkills:     useSkills,
				CreateSkills:  createSkills,
			})
			if sess == nil {
				return err
			}
			if err != nil {
				logger.Warn("search ended early, writing partial results", zap.Error(err))
			}

			w := cmd.OutOrStdout()
			if outPath != "" {
				f, ferr := os.Create(outPath)
				if ferr != nil {
					return ferr
				}
				defer f.Close()
				w = f
			}
			if werr := writeExport(w, sess); werr != nil {
				return fmt.Errorf("write results: %w", werr)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&onlineOpt, "online-opt", true, "run improvement rounds after the baseline")
	cmd.Flags().IntVar(&rounds, "rounds", 0, "improvement rounds (0 = config optimizer.max_rounds)")
	cmd.Flags().IntVar(&stepsPerRound, "steps-per-round", 0, "steps revised per round (0 = config)")
	cmd.Flags().BoolVar(&useSkills, "use-skills", false, "feed relevant skill library advice to the planner")
	cmd.Flags().BoolVar(&createSkills, "create-skills", false, "distill new skills when optimization pays off")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the execution log and records as YAML to this file")
	cmd.Flags().BoolVar(&persist, "persist", false, "record the session in the configured Postgres and Redis")
	return cmd
}
