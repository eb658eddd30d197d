package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"whonext/audio"
	"whonext/internal/api"
	"whonext/internal/service"
)

func newServeCmd(app *App) *cobra.Command {
	var (
		port     string
		grpcAddr string
		noSystem bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backend for the live speaker UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config
			if port != "" {
				cfg.Server.Port = port
			}
			if grpcAddr != "" {
				cfg.Server.GRPCAddr = grpcAddr
			}
			if noSystem {
				cfg.Capture.CaptureSystem = false
			}

			meetings, err := app.Meetings()
			if err != nil {
				return err
			}
			voices, err := app.Voices()
			if err != nil {
				return err
			}
			people, err := app.People()
			if err != nil {
				return err
			}
			modelMgr, err := app.Models()
			if err != nil {
				return err
			}
			capture, err := audio.NewCapture(cfg.Capture, app.Logger)
			if err != nil {
				return err
			}
			defer capture.Close()

			deps := api.Deps{
				Meetings:  meetings,
				Voices:    voices,
				People:    people,
				Models:    modelMgr,
				Assistant: app.Assistant(cmd.Context()),
				Devices:   capture,
			}
			// Without models the server still serves review, models and
			// summaries; recording stays off until the models are downloaded.
			if eng, err := app.Engine(); err != nil {
				app.Logger.WithError(err).Warn("Recording disabled")
			} else {
				app.Logger.WithField("provider", eng.Provider()).Info("Diarization engine ready")
				deps.Recorder = service.NewRecordingService(app.RecordingConfig(), capture, eng, voices, meetings, app.Logger)
			}

			server := api.NewServer(cfg.Server, deps, app.Logger)
			err = server.Start(cmd.Context())

			if deps.Recorder != nil && deps.Recorder.Current() != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if _, _, stopErr := deps.Recorder.Stop(ctx); stopErr != nil {
					err = errors.Join(err, stopErr)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "HTTP port (overrides config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC control address (overrides config)")
	cmd.Flags().BoolVar(&noSystem, "no-system", false, "capture the microphone only")
	return cmd
}
