package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/ekko-capture/internal/capture"
	"github.com/example/ekko-capture/internal/gate"
	"github.com/example/ekko-capture/internal/imagesource"
	"github.com/example/ekko-capture/internal/lookup"
	"github.com/example/ekko-capture/internal/preprocess"
	"github.com/example/ekko-capture/internal/recognition/backend"
	"github.com/example/ekko-capture/internal/session"
	"github.com/example/ekko-capture/internal/workflow"
)

const cliUser = "capturectl"

type scanResult struct {
	State   workflow.State   `json:"state"`
	Context *session.Context `json:"context,omitempty"`
}

func scanCmd() *cobra.Command {
	var (
		grammarName string
		imagePath   string
		backendName string
		timeout     time.Duration
		quality     float64
		confirm     bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Recognize a plate or document number in a photo on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			grammar, ok := capture.ParseGrammar(grammarName)
			if !ok {
				return fmt.Errorf("unsupported grammar %q", grammarName)
			}
			if imagePath == "" {
				return errors.New("--image is required")
			}

			recCfg := cfg.Recognition
			if backendName != "" {
				recCfg.Backend = backendName
			}
			if timeout > 0 {
				recCfg.Timeout = timeout
			}
			if quality <= 0 {
				quality = cfg.Capture.JPEGQuality
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			recognizer, closeRecognizer, err := backend.Open(ctx, recCfg, logger)
			if err != nil {
				return err
			}
			defer closeRecognizer() //nolint:errcheck

			store := session.NewStore()
			decoder := lookup.NewGraphQLDecoder(cfg.Lookup.Endpoint, &http.Client{Timeout: cfg.Lookup.Timeout},
				func(context.Context) string { return cfg.Lookup.ServiceToken }, logger)

			wf, err := workflow.New(workflow.Config{ID: "cli", UserID: cliUser, Grammar: grammar}, workflow.Deps{
				Source:       imagesource.NewSource(imagesource.StaticPermission(false), logger),
				Preprocessor: preprocess.New(quality, logger),
				Recognizer:   recognizer,
				Gate:         gate.New(store, decoder, logger, gate.WithCountry(cfg.Lookup.Country)),
			}, logger)
			if err != nil {
				return err
			}
			defer wf.Close()

			st, err := wf.Capture(ctx, capture.ModeLibrary, imagesource.FilePicker{Path: imagePath})
			if err != nil {
				return err
			}
			if st.Phase == workflow.PhaseFailed {
				_ = printJSON(cmd.OutOrStdout(), scanResult{State: st})
				return fmt.Errorf("capture failed: %s", st.Error)
			}

			result := scanResult{State: st}
			if confirm && st.Found() {
				confirmed, err := wf.Confirm(ctx)
				if err != nil {
					return err
				}
				snap := store.Snapshot(cliUser)
				result = scanResult{State: confirmed, Context: &snap}
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVarP(&grammarName, "grammar", "g", string(capture.GrammarPlateFR), "plate_fr or document_number")
	cmd.Flags().StringVarP(&imagePath, "image", "i", "", "path to the photo")
	cmd.Flags().StringVar(&backendName, "backend", "", "rekognition or grpc (default from RECOGNITION_BACKEND)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "recognition timeout (default from RECOGNITION_TIMEOUT)")
	cmd.Flags().Float64Var(&quality, "quality", 0, "JPEG quality between 0.5 and 0.7")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "commit the result: decode the plate or mark the document verified")
	return cmd
}
