package simpleoutput

import (
	"context"
	"log/slog"
)

// NoopEventSink is a no-operation implementation of EventSink
// Useful for production when you don't need event handling or for testing
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-operation event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

// ArtifactStored does nothing and returns nil
func (n *NoopEventSink) ArtifactStored(ctx context.Context, artifact *Artifact) error {
	return nil
}

// ConversionStarted does nothing and returns nil
func (n *NoopEventSink) ConversionStarted(ctx context.Context, artifact *Artifact) error {
	return nil
}

// ArtifactConverted does nothing and returns nil
func (n *NoopEventSink) ArtifactConverted(ctx context.Context, artifact *Artifact) error {
	return nil
}

// ConversionFailed does nothing and returns nil
func (n *NoopEventSink) ConversionFailed(ctx context.Context, artifact *Artifact, cause error) error {
	return nil
}

// LoggingEventSink is an event sink that logs events but takes no other action
type LoggingEventSink struct {
	logger *slog.Logger
}

// NewLoggingEventSink creates a new logging event sink
func NewLoggingEventSink(logger *slog.Logger) EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingEventSink{logger: logger}
}

// ArtifactStored logs the intake event
func (l *LoggingEventSink) ArtifactStored(ctx context.Context, artifact *Artifact) error {
	l.logger.InfoContext(ctx, "Artifact stored",
		"artifact_id", artifact.ID, "root", artifact.Root, "stored_name", artifact.StoredName, "size", artifact.Size)
	return nil
}

// ConversionStarted logs the claim event
func (l *LoggingEventSink) ConversionStarted(ctx context.Context, artifact *Artifact) error {
	l.logger.InfoContext(ctx, "Conversion started", "artifact_id", artifact.ID, "stored_name", artifact.StoredName)
	return nil
}

// ArtifactConverted logs the publish event
func (l *LoggingEventSink) ArtifactConverted(ctx context.Context, artifact *Artifact) error {
	l.logger.InfoContext(ctx, "Artifact converted", "artifact_id", artifact.ID, "output_path", artifact.OutputPath)
	return nil
}

// ConversionFailed logs the failure event
func (l *LoggingEventSink) ConversionFailed(ctx context.Context, artifact *Artifact, cause error) error {
	l.logger.ErrorContext(ctx, "Conversion failed", "artifact_id", artifact.ID, "stored_name", artifact.StoredName, "error", cause)
	return nil
}
