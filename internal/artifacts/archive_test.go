package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func sampleArtifact() Artifact {
	return Artifact{
		VestingID:   7,
		AttemptID:   "5f0c2a9e-8d61-4b0e-9a57-3c1f6f2e0d11",
		Beneficiary: "0x00000000000000000000000000000000000000b1",
		AsOf:        1705000000,
		Ciphertext:  "0xaabbcc",
		Proof:       "0x01ff",
		Commitment:  "0x1234",
		IntentNonce: "0x5678",
		TxHash:      "0x9999",
		CreatedAt:   time.Date(2024, 1, 11, 19, 6, 40, 0, time.UTC),
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "unknown driver", cfg: Config{Driver: "gcs"}},
		{name: "s3 missing bucket", cfg: Config{Driver: DriverS3, S3Client: &fakeS3Client{}}},
		{name: "s3 missing client", cfg: Config{Driver: DriverS3, Bucket: "veilvest-artifacts"}},
		{name: "default driver is s3", cfg: Config{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestMemoryArchiveRoundTrip(t *testing.T) {
	t.Parallel()

	a, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	art := sampleArtifact()

	ok, err := a.Exists(ctx, art.VestingID, art.AttemptID)
	if err != nil || ok {
		t.Fatalf("Exists before save: ok=%v err=%v", ok, err)
	}
	if _, err := a.Load(ctx, art.VestingID, art.AttemptID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := a.Save(ctx, art); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := a.Load(ctx, art.VestingID, art.AttemptID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := art
	want.Version = ArtifactVersion
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("created_at mismatch: got %v want %v", got.CreatedAt, want.CreatedAt)
	}
	got.CreatedAt = want.CreatedAt
	if got != want {
		t.Fatalf("artifact mismatch:\n got %+v\nwant %+v", got, want)
	}

	ok, err = a.Exists(ctx, art.VestingID, art.AttemptID)
	if err != nil || !ok {
		t.Fatalf("Exists after save: ok=%v err=%v", ok, err)
	}

	if err := a.Delete(ctx, art.VestingID, art.AttemptID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, err = a.Exists(ctx, art.VestingID, art.AttemptID)
	if err != nil || ok {
		t.Fatalf("Exists after delete: ok=%v err=%v", ok, err)
	}
}

func TestSaveRejectsInvalidArtifacts(t *testing.T) {
	t.Parallel()

	a, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Artifact)
	}{
		{name: "zero vesting", mutate: func(a *Artifact) { a.VestingID = 0 }},
		{name: "empty attempt", mutate: func(a *Artifact) { a.AttemptID = "" }},
		{name: "path in attempt", mutate: func(a *Artifact) { a.AttemptID = "../other" }},
		{name: "missing ciphertext", mutate: func(a *Artifact) { a.Ciphertext = "" }},
		{name: "missing proof", mutate: func(a *Artifact) { a.Proof = "" }},
	}
	for _, tt := range tests {
		art := sampleArtifact()
		tt.mutate(&art)
		if err := a.Save(context.Background(), art); !errors.Is(err, ErrInvalidArtifact) {
			t.Fatalf("%s: expected ErrInvalidArtifact, got %v", tt.name, err)
		}
	}

	if _, err := a.Load(context.Background(), 1, "a/b"); !errors.Is(err, ErrInvalidArtifact) {
		t.Fatalf("Load with bad attempt id: expected ErrInvalidArtifact, got %v", err)
	}
}

func TestS3ArchiveSaveLoadExistsAndDelete(t *testing.T) {
	t.Parallel()

	const wantKey = "orchestrator-1/claims/7/5f0c2a9e-8d61-4b0e-9a57-3c1f6f2e0d11.json"

	client := newFakeS3Client()
	client.putHook = func(in *s3.PutObjectInput) {
		if got, want := aws.ToString(in.Bucket), "veilvest-artifacts"; got != want {
			t.Errorf("bucket mismatch: got %q want %q", got, want)
		}
		if got := aws.ToString(in.Key); got != wantKey {
			t.Errorf("key mismatch: got %q want %q", got, wantKey)
		}
		if got, want := aws.ToString(in.ContentType), "application/json"; got != want {
			t.Errorf("content type mismatch: got %q want %q", got, want)
		}
		if got, want := in.Metadata["vesting-id"], "7"; got != want {
			t.Errorf("metadata mismatch: got %q want %q", got, want)
		}
	}

	a, err := New(Config{
		Driver:     DriverS3,
		Bucket:     "veilvest-artifacts",
		Prefix:     "/orchestrator-1/",
		MaxGetSize: 4 << 10,
		S3Client:   client,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	art := sampleArtifact()

	if err := a.Save(ctx, art); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := a.Load(ctx, art.VestingID, art.AttemptID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Commitment != art.Commitment || got.TxHash != art.TxHash || got.Version != ArtifactVersion {
		t.Fatalf("unexpected artifact: %+v", got)
	}
	ok, err := a.Exists(ctx, art.VestingID, art.AttemptID)
	if err != nil || !ok {
		t.Fatalf("Exists: ok=%v err=%v", ok, err)
	}
	if err := a.Delete(ctx, art.VestingID, art.AttemptID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, err = a.Exists(ctx, art.VestingID, art.AttemptID)
	if err != nil || ok {
		t.Fatalf("Exists after delete: ok=%v err=%v", ok, err)
	}
	// Deleting a missing object is not an error.
	if err := a.Delete(ctx, art.VestingID, art.AttemptID); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestS3ArchiveMapsErrors(t *testing.T) {
	t.Parallel()

	client := newFakeS3Client()
	client.getErr = fakeAPIError{code: "AccessDenied", msg: "denied"}
	a, err := New(Config{Driver: DriverS3, Bucket: "veilvest-artifacts", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = a.Load(context.Background(), 7, "abc")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected non-NotFound error, got %v", err)
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "AccessDenied" {
		t.Fatalf("expected wrapped api error, got %v", err)
	}
}

func TestS3ArchiveMaxGetSize(t *testing.T) {
	t.Parallel()

	client := newFakeS3Client()
	client.objects["claims/7/abc.json"] = []byte(`{"version":"claims.artifact.v1","vesting_id":7,"attempt_id":"abc","ciphertext":"0x00"}`)
	a, err := New(Config{Driver: DriverS3, Bucket: "veilvest-artifacts", S3Client: client, MaxGetSize: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Load(context.Background(), 7, "abc"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	t.Parallel()

	client := newFakeS3Client()
	client.objects["claims/7/abc.json"] = []byte(`{"version":"claims.artifact.v0","vesting_id":7,"attempt_id":"abc"}`)
	a, err := New(Config{Driver: DriverS3, Bucket: "veilvest-artifacts", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Load(context.Background(), 7, "abc"); !errors.Is(err, ErrInvalidArtifact) {
		t.Fatalf("expected ErrInvalidArtifact, got %v", err)
	}
}

type fakeS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte

	putHook func(*s3.PutObjectInput)
	getErr  error
}

func newFakeS3Client() *fakeS3Client {
	return &fakeS3Client{objects: make(map[string][]byte)}
}

func (f *fakeS3Client) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putHook != nil {
		f.putHook(in)
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = b
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3Client) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	b, ok := f.objects[aws.ToString(in.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, fakeAPIError{code: "NoSuchKey", msg: "missing"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3Client) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if _, ok := f.objects[key]; !ok {
		return nil, fakeAPIError{code: "NotFound", msg: "missing"}
	}
	delete(f.objects, key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3Client) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, fakeAPIError{code: "404", msg: "not found"}
	}
	return &s3.HeadObjectOutput{}, nil
}

type fakeAPIError struct {
	code string
	msg  string
}

func (f fakeAPIError) ErrorCode() string { return f.code }

func (f fakeAPIError) ErrorMessage() string { return f.msg }

func (f fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func (f fakeAPIError) Error() string { return f.code + ": " + f.msg }
