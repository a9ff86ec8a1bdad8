package simpleoutput

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const (
	// sniffLen matches mimetype's default read limit
	sniffLen = 3072

	maxNameAttempts = 1000
)

// service implements the Service interface
type service struct {
	repository    Repository
	store         ArtifactStore
	roots         map[string]OutputRoot
	converter     Converter
	eventSink     EventSink
	logger        *slog.Logger
	publicBaseURL string
	allowed       map[string]bool

	workers       int
	queueSize     int
	sweepInterval time.Duration
	dispatcher    *Dispatcher
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithRepository sets the artifact repository
func WithRepository(repo Repository) Option {
	return func(s *service) {
		s.repository = repo
	}
}

// WithArtifactStore sets the store uploads are written to
func WithArtifactStore(store ArtifactStore) Option {
	return func(s *service) {
		s.store = store
	}
}

// WithOutputRoot registers an output root under name
func WithOutputRoot(name string, root OutputRoot) Option {
	return func(s *service) {
		if s.roots == nil {
			s.roots = make(map[string]OutputRoot)
		}
		s.roots[name] = root
	}
}

// WithConverter sets the converter run for every stored artifact
func WithConverter(converter Converter) Option {
	return func(s *service) {
		s.converter = converter
	}
}

// WithEventSink sets the event sink for the service
func WithEventSink(sink EventSink) Option {
	return func(s *service) {
		s.eventSink = sink
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// WithPublicBaseURL sets the base used to build gallery image URLs
func WithPublicBaseURL(base string) Option {
	return func(s *service) {
		s.publicBaseURL = strings.TrimRight(base, "/")
	}
}

// WithAllowedExtensions replaces the upload allow-list
func WithAllowedExtensions(exts ...string) Option {
	return func(s *service) {
		s.allowed = make(map[string]bool, len(exts))
		for _, ext := range exts {
			ext = strings.ToLower(ext)
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			s.allowed[ext] = true
		}
	}
}

// WithWorkers sets how many conversions may run at once
func WithWorkers(n int) Option {
	return func(s *service) {
		s.workers = n
	}
}

// WithQueueSize sets the conversion queue capacity
func WithQueueSize(n int) Option {
	return func(s *service) {
		s.queueSize = n
	}
}

// WithSweepInterval sets how often stored but unclaimed artifacts are re-queued.
// Zero disables the periodic sweep; one sweep still runs at startup.
func WithSweepInterval(d time.Duration) Option {
	return func(s *service) {
		s.sweepInterval = d
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		roots:     make(map[string]OutputRoot),
		workers:   2,
		queueSize: 64,
	}
	WithAllowedExtensions(DefaultAllowedExtensions...)(s)

	for _, option := range options {
		option(s)
	}

	if s.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if s.store == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if len(s.roots) == 0 {
		return nil, fmt.Errorf("at least one output root is required")
	}
	for name := range s.roots {
		if !ValidRootName(name) {
			return nil, fmt.Errorf("invalid output root name %q", name)
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.eventSink == nil {
		s.eventSink = NewNoopEventSink()
	}
	if s.converter == nil {
		s.converter = PassthroughConverter()
	}
	if s.workers < 1 {
		s.workers = 1
	}
	if s.queueSize < 1 {
		s.queueSize = 1
	}

	s.dispatcher = newDispatcher(s, s.workers, s.queueSize, s.sweepInterval)
	return s, nil
}

func (s *service) root(name string) (OutputRoot, error) {
	if name == "" {
		name = DefaultRoot
	}
	r, ok := s.roots[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, name)
	}
	return r, nil
}

// Roots returns the configured root ids in sorted order
func (s *service) Roots() []string {
	names := make([]string, 0, len(s.roots))
	for name := range s.roots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Upload intake

func (s *service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	rootName := req.Root
	if rootName == "" {
		rootName = DefaultRoot
	}
	if _, err := s.root(rootName); err != nil {
		return nil, err
	}

	name := SanitizeFileName(req.FileName)
	if name == "" {
		return nil, fmt.Errorf("%w: no file name", ErrEmptyUpload)
	}
	stem, ext := SplitExt(name)
	if stem == "" || !s.allowed[ext] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFileType, name)
	}
	if req.Reader == nil {
		return nil, fmt.Errorf("%w: %s", ErrEmptyUpload, name)
	}

	br := bufio.NewReaderSize(req.Reader, sniffLen)
	head, err := br.Peek(sniffLen)
	if len(head) == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s", ErrEmptyUpload, name)
		}
		return nil, fmt.Errorf("read upload: %w", err)
	}
	detected := mimetype.Detect(head)
	if ext == ".zip" && !detected.Is("application/zip") {
		return nil, fmt.Errorf("%w: %s is not a zip archive (%s)", ErrUnsupportedFileType, name, detected.String())
	}

	artifact, obj, err := s.reserveAndStore(ctx, rootName, name, stem, ext, br)
	if err != nil {
		return nil, err
	}

	artifact, err = s.repository.UpdateArtifact(ctx, artifact.ID, ArtifactStatusPending, ArtifactUpdate{
		Status:     ArtifactStatusStored,
		StorageKey: obj.Key,
		Location:   obj.Location,
		Size:       obj.Size,
		Checksum:   obj.Checksum,
		MimeType:   detected.String(),
	})
	if err != nil {
		return nil, &ArtifactError{ArtifactID: artifact.ID, Op: "store", Err: err}
	}

	s.logger.InfoContext(ctx, "Upload stored",
		"artifact_id", artifact.ID, "stored_name", artifact.StoredName, "size", humanize.Bytes(uint64(artifact.Size)))
	if err := s.eventSink.ArtifactStored(ctx, artifact); err != nil {
		s.logger.WarnContext(ctx, "Event sink failed", "event", "artifact_stored", "error", err)
	}

	if err := s.Submit(ctx, artifact.ID); err != nil {
		// The periodic sweep picks stored artifacts up later.
		s.logger.WarnContext(ctx, "Conversion not queued", "artifact_id", artifact.ID, "error", err)
	}

	return &UploadResult{Artifact: artifact}, nil
}

// reserveAndStore claims the first free stored name and writes the payload
// under it. A candidate is free when the repository holds neither its stored
// name nor its output name, the output root has nothing published under that
// output name and the store has no object under its key.
func (s *service) reserveAndStore(ctx context.Context, root, name, stem, ext string, r io.Reader) (*Artifact, *StoredObject, error) {
	tree, err := s.root(root)
	if err != nil {
		return nil, nil, err
	}

	body := &readCounter{r: r}
	for n := 0; n < maxNameAttempts; n++ {
		storedName := storedNameCandidate(stem, ext, n)
		outputName := OutputDirName(storedName)

		published, err := outputExists(ctx, tree, outputName)
		if err != nil {
			return nil, nil, err
		}
		if published {
			continue
		}

		now := time.Now().UTC()
		artifact := &Artifact{
			ID:           uuid.New(),
			Root:         root,
			OriginalName: name,
			StoredName:   storedName,
			OutputName:   outputName,
			StorageKey:   StorageKey(root, storedName),
			Extension:    ext,
			Status:       ArtifactStatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.repository.CreateArtifact(ctx, artifact); err != nil {
			if errors.Is(err, ErrNameTaken) {
				continue
			}
			return nil, nil, &ArtifactError{ArtifactID: artifact.ID, Op: "reserve", Err: err}
		}

		obj, err := s.store.Put(ctx, artifact.StorageKey, body)
		if err == nil {
			return artifact, obj, nil
		}
		s.dropReservation(ctx, artifact)
		if !errors.Is(err, ErrAlreadyExists) {
			return nil, nil, err
		}
		if body.n > 0 {
			// the payload is gone; another key would get a truncated copy
			return nil, nil, &StorageError{
				Backend: "store",
				Key:     artifact.StorageKey,
				Op:      "put",
				Err:     fmt.Errorf("key taken after %d bytes were read: %v", body.n, err),
			}
		}
	}
	return nil, nil, &StorageError{Backend: "repository", Key: name, Op: "reserve", Err: errors.New("no free stored name")}
}

// outputExists reports whether name is already published in tree
func outputExists(ctx context.Context, tree OutputRoot, name string) (bool, error) {
	_, err := tree.Stat(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	}
	return false, err
}

// dropReservation removes the record of a name whose payload was never stored
func (s *service) dropReservation(ctx context.Context, artifact *Artifact) {
	if err := s.repository.DeleteArtifact(context.WithoutCancel(ctx), artifact.ID); err != nil {
		s.logger.ErrorContext(ctx, "Failed to release stored name",
			"artifact_id", artifact.ID, "stored_name", artifact.StoredName, "error", err)
	}
}

type readCounter struct {
	r io.Reader
	n int64
}

func (c *readCounter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (s *service) markFailed(ctx context.Context, artifact *Artifact, from ArtifactStatus, cause error) *Artifact {
	ctx = context.WithoutCancel(ctx)
	updated, err := s.repository.UpdateArtifact(ctx, artifact.ID, from, ArtifactUpdate{
		Status: ArtifactStatusFailed,
		Error:  cause.Error(),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to record artifact failure", "artifact_id", artifact.ID, "error", err)
		return artifact
	}
	return updated
}

func (s *service) GetArtifact(ctx context.Context, id uuid.UUID) (*Artifact, error) {
	return s.repository.GetArtifact(ctx, id)
}

func (s *service) ListArtifacts(ctx context.Context, root string) ([]*Artifact, error) {
	if root == "" {
		root = DefaultRoot
	}
	if _, err := s.root(root); err != nil {
		return nil, err
	}
	return s.repository.ListArtifacts(ctx, root)
}

// Conversion trigger

func (s *service) Submit(ctx context.Context, id uuid.UUID) error {
	return s.dispatcher.Submit(id)
}

func (s *service) Run(ctx context.Context) error {
	return s.dispatcher.Run(ctx)
}

// ConvertArtifact claims a stored artifact and runs the converter for it.
// Only the caller that wins the stored -> converting transition converts.
func (s *service) ConvertArtifact(ctx context.Context, id uuid.UUID) (*Artifact, error) {
	artifact, err := s.repository.UpdateArtifact(ctx, id, ArtifactStatusStored, ArtifactUpdate{
		Status: ArtifactStatusConverting,
	})
	if err != nil {
		return nil, err
	}
	if err := s.eventSink.ConversionStarted(ctx, artifact); err != nil {
		s.logger.WarnContext(ctx, "Event sink failed", "event", "conversion_started", "error", err)
	}

	root, err := s.root(artifact.Root)
	if err != nil {
		return s.failConversion(ctx, artifact, err)
	}

	outputName := artifact.OutputName
	if outputName == "" {
		outputName = OutputDirName(artifact.StoredName)
	}
	stage, err := root.Stage(ctx, outputName)
	if err != nil {
		return s.failConversion(ctx, artifact, err)
	}

	key := artifact.StorageKey
	err = s.converter.Convert(ctx, ConvertRequest{
		Artifact: artifact,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return s.store.Open(ctx, key)
		},
		Output:    stage.FS(),
		OutputDir: stage.Dir(),
	})
	if err != nil {
		s.discard(ctx, stage)
		if ctx.Err() != nil {
			return nil, s.release(ctx, artifact, err)
		}
		return s.failConversion(ctx, artifact, err)
	}

	published, err := stage.Publish(ctx)
	if err != nil {
		s.discard(ctx, stage)
		return s.failConversion(ctx, artifact, err)
	}

	artifact, err = s.repository.UpdateArtifact(context.WithoutCancel(ctx), id, ArtifactStatusConverting, ArtifactUpdate{
		Status:     ArtifactStatusConverted,
		OutputPath: published,
	})
	if err != nil {
		return nil, &ArtifactError{ArtifactID: id, Op: "convert", Err: err}
	}
	if err := s.eventSink.ArtifactConverted(ctx, artifact); err != nil {
		s.logger.WarnContext(ctx, "Event sink failed", "event", "artifact_converted", "error", err)
	}
	return artifact, nil
}

func (s *service) discard(ctx context.Context, stage Staging) {
	if err := stage.Discard(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to discard staging", "dir", stage.Dir(), "error", err)
	}
}

// release returns an interrupted claim to stored so a later sweep retries it.
func (s *service) release(ctx context.Context, artifact *Artifact, cause error) error {
	_, err := s.repository.UpdateArtifact(context.WithoutCancel(ctx), artifact.ID, ArtifactStatusConverting, ArtifactUpdate{
		Status: ArtifactStatusStored,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to release conversion claim", "artifact_id", artifact.ID, "error", err)
	}
	return &ArtifactError{ArtifactID: artifact.ID, Op: "convert", Err: cause}
}

func (s *service) failConversion(ctx context.Context, artifact *Artifact, cause error) (*Artifact, error) {
	if !errors.Is(cause, ErrConversionFailed) {
		cause = fmt.Errorf("%w: %w", ErrConversionFailed, cause)
	}
	failed := s.markFailed(ctx, artifact, ArtifactStatusConverting, cause)
	if err := s.eventSink.ConversionFailed(context.WithoutCancel(ctx), failed, cause); err != nil {
		s.logger.WarnContext(ctx, "Event sink failed", "event", "conversion_failed", "error", err)
	}
	return failed, &ArtifactError{ArtifactID: artifact.ID, Op: "convert", Err: cause}
}

// Output tree

func (s *service) List(ctx context.Context, rootName, p string) ([]Node, error) {
	root, err := s.root(rootName)
	if err != nil {
		return nil, err
	}
	return root.List(ctx, p)
}

// Delivery

func (s *service) OpenFile(ctx context.Context, rootName, p string) (*FileReader, error) {
	root, err := s.root(rootName)
	if err != nil {
		return nil, err
	}
	f, node, err := root.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	contentType, err := detectContentType(node.Name, f)
	if err != nil {
		f.Close()
		return nil, &StorageError{Backend: "output", Key: node.Path, Op: "sniff", Err: err}
	}
	return &FileReader{File: f, Node: *node, ContentType: contentType}, nil
}

// detectContentType prefers the extension and falls back to sniffing the
// first bytes. f is rewound before returning.
func detectContentType(name string, f File) (string, error) {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(name))); ct != "" {
		return ct, nil
	}
	detected, err := mimetype.DetectReader(f)
	if err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return detected.String(), nil
}

func (s *service) OpenFolderArchive(ctx context.Context, rootName, p string) (*FolderArchive, error) {
	root, err := s.root(rootName)
	if err != nil {
		return nil, err
	}
	node, err := root.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if !node.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotADirectory, node.Path)
	}
	name := node.Name
	if node.Path == "" {
		if rootName == "" {
			rootName = DefaultRoot
		}
		name = rootName
	}
	return &FolderArchive{Name: name + ".zip", root: root, dir: node.Path}, nil
}

func (s *service) FolderImages(ctx context.Context, rootName, p string) ([]string, error) {
	root, err := s.root(rootName)
	if err != nil {
		return nil, err
	}
	if rootName == "" {
		rootName = DefaultRoot
	}

	var paths []string
	err = root.Walk(ctx, p, func(n Node) error {
		if n.MediaKind == MediaKindImage {
			paths = append(paths, n.Path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	urls := make([]string, 0, len(paths))
	for _, p := range paths {
		urls = append(urls, s.fileURL(rootName, p))
	}
	return urls, nil
}

// fileURL builds the public URL that serves the file at root relative path p.
func (s *service) fileURL(rootName, p string) string {
	prefix := s.publicBaseURL + "/output-files/"
	if rootName != DefaultRoot {
		prefix = s.publicBaseURL + "/roots/" + url.PathEscape(rootName) + "/output-files/"
	}
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return prefix + strings.Join(segments, "/")
}
