// Package backend opens the configured OCR backend behind recognition.Client.
package backend

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"go.uber.org/zap"

	"github.com/example/ekko-capture/internal/config"
	"github.com/example/ekko-capture/internal/grpcclient"
	"github.com/example/ekko-capture/internal/recognition"
)

// Open connects to cfg.Backend and bounds every call by cfg.Timeout. The returned
// close function releases the connection.
func Open(ctx context.Context, cfg config.RecognitionConfig, logger *zap.Logger) (recognition.Client, func() error, error) {
	var (
		client recognition.Client
		closer = func() error { return nil }
	)
	switch cfg.Backend {
	case config.BackendRekognition:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		client = recognition.NewRekognitionClient(rekognition.NewFromConfig(awsCfg), logger)
		logger.Info("using rekognition text detection", zap.String("region", cfg.AWSRegion))
	case config.BackendGRPC:
		c, conn, err := grpcclient.DialTextDetector(ctx, cfg.GRPCAddr, logger)
		if err != nil {
			return nil, nil, err
		}
		client, closer = c, conn.Close
		logger.Info("using grpc text detection", zap.String("addr", cfg.GRPCAddr))
	default:
		return nil, nil, fmt.Errorf("unknown recognition backend %q", cfg.Backend)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = recognition.DefaultTimeout
	}
	return recognition.WithTimeout(client, timeout, cfg.Backend, logger), closer, nil
}
