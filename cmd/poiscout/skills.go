package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/poiscout/internal/skills"
)

func skillsCMD(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect the skill library",
	}

	var topic string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Print the stored skills, or the ones relevant to --topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			lib, err := skills.Open(cfg.Skills.Path, cfg.Skills.MaxAdvice)
			if err != nil {
				return err
			}
			defer func() { _ = lib.Close() }()

			out := cmd.OutOrStdout()
			if topic != "" {
				advice, err := lib.Relevant(topic, limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, advice)
				return nil
			}
			for _, e := range lib.Entries() {
				fmt.Fprintf(out, "# %s\n", e.Title)
				for _, line := range e.Content {
					fmt.Fprintf(out, "- %s\n", line)
				}
			}
			return nil
		},
	}
	list.Flags().StringVar(&topic, "topic", "", "rank skills by relevance to this topic")
	list.Flags().IntVar(&limit, "limit", 0, "maximum lines with --topic (0 = skills.max_advice)")
	cmd.AddCommand(list)
	return cmd
}
