package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-pipeserve/internal/customnode"
	"github.com/example/go-pipeserve/internal/doctor"
	"github.com/example/go-pipeserve/internal/onnx"
)

func newDoctorCmd() *cobra.Command {
	var skipRuntime bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime, definition and library checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			dcfg := doctor.Config{
				RuntimeVersion: func() (string, error) {
					info, err := onnx.DetectRuntime(cfg.Runtime)
					if err != nil {
						return "", err
					}
					if info.Version == "unknown" {
						return "", fmt.Errorf("cannot tell the version of %s; set runtime.ort_version", info.LibraryPath)
					}
					return info.Version, nil
				},
				APIVersion:  cfg.Runtime.APIVersion,
				SkipRuntime: skipRuntime,
				Definitions: cfg.Paths.Pipelines,
				OpenLibrary: probeLibrary,
			}

			result := doctor.Run(dcfg, out)
			if result.Failed() {
				for _, f := range result.Failures() {
					fmt.Fprintf(cmd.ErrOrStderr(), "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}

	cmd.Flags().BoolVar(&skipRuntime, "skip-runtime", false, "Skip the ONNX Runtime check (definitions without models)")

	return cmd
}

// probeLibrary loads a custom node library, resolving its entry points, and
// unloads it again.
func probeLibrary(basePath string) error {
	_, closer, err := customnode.Open(basePath)
	if err != nil {
		return err
	}
	return closer.Close()
}
