package kyc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyc/internal/audit"
	"kyc/internal/collaborator"
	"kyc/internal/frames"
	"kyc/internal/ingest/handler"
	ingest "kyc/internal/ingest/service"
	"kyc/internal/integrity"
	"kyc/internal/objectstore"
	"kyc/internal/pipeline"
	"kyc/internal/platform/config"
	"kyc/internal/queue"
	"kyc/internal/session/models"
	sessionService "kyc/internal/session/service"
	"kyc/internal/session/store"
	"kyc/internal/token"
	"kyc/pkg/testutil"
)

const sharedSecret = "shared_secret"

// system is one gateway and one worker pool over shared in-memory backends.
type system struct {
	router  chi.Router
	objects *objectstore.InMemory
	queue   *queue.InMemory
	stub    *collaborator.Stub
	sink    *audit.MemorySink
	tokens  *token.JWTService
	signer  *integrity.Verifier
}

func newSystem(t *testing.T) *system {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sys := &system{
		objects: objectstore.NewInMemory(),
		queue:   queue.NewInMemory(),
		stub:    collaborator.NewStub(collaborator.DefaultStubScores),
		sink:    audit.NewMemorySink(),
		tokens:  token.NewJWTService("integration-signing-key", time.Hour),
		signer:  integrity.NewVerifier([]byte(sharedSecret)),
	}
	require.NoError(t, sys.objects.EnsureBucket(ctx, config.DefaultVideosBucket))
	require.NoError(t, sys.objects.EnsureBucket(ctx, config.DefaultFramesBucket))

	sessions := sessionService.New(store.NewInMemory())
	publisher := audit.NewPublisher(sys.sink)

	ingestService := ingest.New(sessions, sys.objects, sys.queue, sys.tokens,
		integrity.NewVerifier([]byte(sharedSecret)),
		ingest.WithTempDir(t.TempDir()),
		ingest.WithAuditPublisher(publisher),
		ingest.WithLogger(logger),
	)
	sys.router = chi.NewRouter()
	handler.New(ingestService, sessions, logger, handler.WithTokenGuard(sys.tokens)).Register(sys.router)

	extractor := frames.NewExtractor(sys.objects, frames.NewSyntheticDecoder(150),
		config.DefaultVideosBucket, config.DefaultFramesBucket)
	orch, err := pipeline.NewOrchestrator(sessions, extractor, sys.stub.Set(), config.DefaultScoring(),
		pipeline.WithCallTimeout(time.Second),
		pipeline.WithLogger(logger),
	)
	require.NoError(t, err)
	pool := pipeline.NewPool(sys.queue, sessions, orch, pipeline.PoolConfig{
		Concurrency: 2,
		MaxAttempts: 3,
		RetryDelay:  10 * time.Millisecond,
		LeaseTTL:    5 * time.Second,
		PollWait:    10 * time.Millisecond,
	}, pipeline.WithAuditor(publisher), pipeline.WithPoolLogger(logger))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return sys
}

type upload struct {
	selfie     []byte
	idVideo    []byte
	selfieTags integrity.Tags
	idTags     integrity.Tags
}

func (sys *system) validUpload() upload {
	selfie := bytes.Repeat([]byte{0x00, 0x00, 0x00, 0x20, 'f', 't', 'y', 'p'}, 8192)
	idVideo := bytes.Repeat([]byte{0x1a, 0x45, 0xdf, 0xa3}, 12000)
	return upload{
		selfie:     selfie,
		idVideo:    idVideo,
		selfieTags: sys.signer.Sign(selfie),
		idTags:     sys.signer.Sign(idVideo),
	}
}

func (sys *system) ingest(t *testing.T, u upload) *http.Response {
	t.Helper()
	req := testutil.NewMultipartRequest(t, http.MethodPost, "/ingest",
		[]testutil.FilePart{
			{Field: "selfie", Filename: "selfie.mp4", Content: u.selfie},
			{Field: "id_video", Filename: "id_card.mkv", Content: u.idVideo},
		},
		map[string]string{
			"selfie_hmac":   u.selfieTags.HMAC,
			"selfie_sha256": u.selfieTags.SHA256,
			"id_hmac":       u.idTags.HMAC,
			"id_sha256":     u.idTags.SHA256,
		},
	)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Mobile Safari/537.36")
	return testutil.DoRequest(sys.router, req).Result()
}

func (sys *system) get(t *testing.T, path, bearer string) map[string]any {
	t.Helper()
	req := testutil.NewRequest(t, http.MethodGet, path)
	req.Header.Set("Authorization", "Bearer "+bearer)
	rr := testutil.DoRequest(sys.router, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func (sys *system) waitForStatus(t *testing.T, sessionID, bearer, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sys.get(t, "/status/"+sessionID, bearer)["status"] == want
	}, 10*time.Second, 20*time.Millisecond, "session %s never reached %s", sessionID, want)
}

func TestVerifiedUploadIsApproved(t *testing.T) {
	sys := newSystem(t)
	var admitted handler.IngestResponse

	testutil.Given(t, "a selfie and id video with valid tags", func(t *testing.T) {
		resp := sys.ingest(t, sys.validUpload())
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&admitted))
		assert.Equal(t, "queued", admitted.Status)
		assert.NotEmpty(t, admitted.Token)
	})

	testutil.When(t, "the worker processes the session", func(t *testing.T) {
		sys.waitForStatus(t, admitted.SessionID, admitted.Token, "completed")
	})

	testutil.Then(t, "all six stages and an approve decision are reported", func(t *testing.T) {
		body := sys.get(t, "/results/"+admitted.SessionID, admitted.Token)
		results, ok := body["results"].(map[string]any)
		require.True(t, ok, "results object missing: %v", body)
		for _, stage := range []string{"pad", "deepfake", "face_match", "doc_ocr", "mrz", "doc_liveness"} {
			stageBody, ok := results[stage].(map[string]any)
			require.True(t, ok, "missing stage %s", stage)
			assert.Equal(t, true, stageBody["passed"], stage)
		}
		riskScore := results["risk_score"].(map[string]any)
		assert.InDelta(t, 1.0, riskScore["overall_score"], 1e-9)
		assert.Equal(t, "low", riskScore["risk_level"])
		assert.Equal(t, "approve", riskScore["decision"])

		assert.Len(t, sys.objects.Keys(config.DefaultVideosBucket), 2)
		assert.Len(t, sys.objects.Keys(config.DefaultFramesBucket), 5)
		want := []audit.Action{audit.ActionSessionAdmitted, audit.ActionProcessingStarted, audit.ActionSessionCompleted}
		assert.Eventually(t, func() bool {
			return assert.ObjectsAreEqual(want, sys.sink.Actions(admitted.SessionID))
		}, 2*time.Second, 10*time.Millisecond, "audit trail: %v", sys.sink.Actions(admitted.SessionID))
	})
}

func TestTamperedSelfieIsRejected(t *testing.T) {
	sys := newSystem(t)

	testutil.Given(t, "a selfie whose HMAC was computed with another key", func(t *testing.T) {
		u := sys.validUpload()
		u.selfieTags.HMAC = integrity.NewVerifier([]byte("wrong_secret")).Sign(u.selfie).HMAC

		testutil.When(t, "it is uploaded", func(t *testing.T) {
			resp := sys.ingest(t, u)
			defer resp.Body.Close()

			testutil.Then(t, "the gateway answers 400 and admits nothing", func(t *testing.T) {
				require.Equal(t, http.StatusBadRequest, resp.StatusCode)
				var body map[string]string
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, "integrity_error", body["error"])
				assert.Equal(t, "Selfie integrity verification failed", body["error_description"])

				ready, delayed, inflight := sys.queue.Len()
				assert.Zero(t, ready+delayed+inflight)
				assert.Empty(t, sys.objects.Keys(config.DefaultVideosBucket))

				var actions []audit.Action
				for _, e := range sys.sink.ListAll() {
					actions = append(actions, e.Action)
				}
				assert.Equal(t, []audit.Action{audit.ActionIntegrityRejected}, actions)
			})
		})
	})
}

func TestFaceMatchOutageFailsSession(t *testing.T) {
	sys := newSystem(t)
	sys.stub.FailStage(models.StageFaceMatch,
		collaborator.NewError(collaborator.CategoryOutage, models.StageFaceMatch, "connection refused", nil))
	var admitted handler.IngestResponse

	testutil.Given(t, "the face match collaborator is down", func(t *testing.T) {
		resp := sys.ingest(t, sys.validUpload())
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&admitted))
	})

	testutil.When(t, "every attempt fails at face match", func(t *testing.T) {
		sys.waitForStatus(t, admitted.SessionID, admitted.Token, "failed")
	})

	testutil.Then(t, "the session fails after three attempts with no results", func(t *testing.T) {
		assert.Equal(t, 3, sys.stub.Calls(models.StageFaceMatch))
		assert.Equal(t, 3, sys.stub.Calls(models.StagePAD))

		body := sys.get(t, "/results/"+admitted.SessionID, admitted.Token)
		assert.Equal(t, "failed", body["status"])
		assert.Equal(t, "Processing not yet completed", body["message"])
		assert.NotContains(t, body, "results")

		assert.Eventually(t, func() bool {
			actions := sys.sink.Actions(admitted.SessionID)
			return len(actions) > 0 && actions[len(actions)-1] == audit.ActionSessionFailed
		}, 2*time.Second, 10*time.Millisecond)
	})
}
