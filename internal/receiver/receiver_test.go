package receiver

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
	"github.com/shineum/smtp-sandbox-gateway/internal/queue"
	"github.com/shineum/smtp-sandbox-gateway/internal/smtp"
	"github.com/shineum/smtp-sandbox-gateway/internal/store"
)

const rawMessage = "From: alice@example.com\r\nTo: bob@example.com\r\nSubject: hi\r\n\r\nhello\r\n"

var testEnvelope = email.Envelope{From: "alice@example.com", To: []string{"bob@example.com"}}

type fixture struct {
	store *store.Redis
	queue *queue.Redis
	recv  *Receiver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &fixture{
		store: store.NewRedis(client, time.Hour),
		queue: queue.NewRedis(client, 3),
	}
	f.recv = New(Config{
		Store: f.store,
		Queue: f.queue,
		Now:   func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	return f
}

func (f *fixture) counts(t *testing.T) (entries int, jobs int64) {
	t.Helper()
	ctx := context.Background()
	entries, err := f.store.Len(ctx)
	require.NoError(t, err)
	jobs, err = f.queue.Pending(ctx)
	require.NoError(t, err)
	return entries, jobs
}

func TestHandle_AcceptsAndQueues(t *testing.T) {
	f := newFixture(t)

	d := f.recv.Handle(context.Background(), testEnvelope, []byte(rawMessage))
	require.True(t, d.Accepted(), "decision: %v", d)

	id := email.NewCorrelationID([]byte(rawMessage))
	assert.Contains(t, d.Message, id.Short())

	data, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	held, err := email.DecodeHeld(data)
	require.NoError(t, err)
	assert.Equal(t, []byte(rawMessage), held.Raw)
	assert.Equal(t, testEnvelope, held.Envelope)
	assert.Equal(t, 2026, held.ReceivedAt.Year())

	job, err := f.queue.Claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
}

func TestHandle_DuplicateSubmissionQueuedOnce(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		d := f.recv.Handle(context.Background(), testEnvelope, []byte(rawMessage))
		require.True(t, d.Accepted(), "submission %d: %v", i, d)
	}

	entries, jobs := f.counts(t)
	assert.Equal(t, 1, entries)
	assert.EqualValues(t, 1, jobs)
}

func TestHandle_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := f.recv.Handle(context.Background(), testEnvelope, []byte(rawMessage))
			assert.True(t, d.Accepted())
		}()
	}
	wg.Wait()

	entries, jobs := f.counts(t)
	assert.Equal(t, 1, entries)
	assert.EqualValues(t, 1, jobs)
}

func TestHandle_DuplicateMergesNewRecipients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	second := email.Envelope{From: "alice@example.com", To: []string{"carol@example.net", "BOB@example.com"}}
	require.True(t, f.recv.Handle(ctx, testEnvelope, []byte(rawMessage)).Accepted())
	require.True(t, f.recv.Handle(ctx, second, []byte(rawMessage)).Accepted())

	data, err := f.store.Get(ctx, email.NewCorrelationID([]byte(rawMessage)))
	require.NoError(t, err)
	held, err := email.DecodeHeld(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob@example.com", "carol@example.net"}, held.Envelope.To)

	entries, jobs := f.counts(t)
	assert.Equal(t, 1, entries)
	assert.EqualValues(t, 1, jobs)
}

// settlingStore simulates a worker taking the held entry between the
// receiver's refused put and its merge.
type settlingStore struct {
	store.Store
}

func (s settlingStore) Update(ctx context.Context, id email.CorrelationID, fn func([]byte) ([]byte, error)) error {
	if _, err := s.Store.Take(ctx, id); err != nil {
		return err
	}
	return s.Store.Update(ctx, id, fn)
}

func TestHandle_DuplicateSettledMeanwhileIsQueuedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.recv.Handle(ctx, testEnvelope, []byte(rawMessage)).Accepted())

	r := New(Config{Store: settlingStore{Store: f.store}, Queue: f.queue})
	d := r.Handle(ctx, email.Envelope{From: "alice@example.com", To: []string{"carol@example.net"}}, []byte(rawMessage))
	require.True(t, d.Accepted(), "decision: %v", d)

	data, err := f.store.Get(ctx, email.NewCorrelationID([]byte(rawMessage)))
	require.NoError(t, err)
	held, err := email.DecodeHeld(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol@example.net"}, held.Envelope.To)

	_, jobs := f.counts(t)
	assert.EqualValues(t, 2, jobs)
}

// deadLetter claims and fails the job until the queue gives up on it, then
// parks its entry the way the analysis worker does.
func (f *fixture) deadLetter(t *testing.T, id email.CorrelationID) {
	t.Helper()
	ctx := context.Background()

	for {
		job, err := f.queue.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.Equal(t, id, job.ID)
		dead, err := f.queue.Nack(ctx, *job, errors.New("sandbox unavailable"))
		require.NoError(t, err)
		if dead {
			break
		}
	}
	require.NoError(t, f.store.Park(ctx, id))
}

func TestHandle_ResubmissionAfterDeadLetterIsQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := email.NewCorrelationID([]byte(rawMessage))

	require.True(t, f.recv.Handle(ctx, testEnvelope, []byte(rawMessage)).Accepted())
	f.deadLetter(t, id)

	entries, jobs := f.counts(t)
	require.Zero(t, entries)
	require.Zero(t, jobs)

	d := f.recv.Handle(ctx, testEnvelope, []byte(rawMessage))
	require.True(t, d.Accepted(), "decision: %v", d)

	entries, jobs = f.counts(t)
	assert.Equal(t, 1, entries)
	assert.EqualValues(t, 1, jobs, "the resubmission must be analysed")
}

func TestHandle_DistinctMessagesEachQueued(t *testing.T) {
	f := newFixture(t)

	f.recv.Handle(context.Background(), testEnvelope, []byte(rawMessage))
	f.recv.Handle(context.Background(), testEnvelope, []byte(rawMessage+"second\r\n"))

	entries, jobs := f.counts(t)
	assert.Equal(t, 2, entries)
	assert.EqualValues(t, 2, jobs)
}

type failingQueue struct{ queue.Queue }

func (failingQueue) Submit(context.Context, queue.Job) error { return queue.ErrFull }

func TestHandle_EnqueueFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	r := New(Config{Store: f.store, Queue: failingQueue{}})

	d := r.Handle(context.Background(), testEnvelope, []byte(rawMessage))
	assert.Equal(t, 451, d.Code)

	n, err := f.store.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "an unqueued message must not stay held")

	// A retry after the queue recovers is treated as new, not a duplicate.
	d = f.recv.Handle(context.Background(), testEnvelope, []byte(rawMessage))
	require.True(t, d.Accepted())
	_, jobs := f.counts(t)
	assert.EqualValues(t, 1, jobs)
}

type failingStore struct{ store.Store }

func (failingStore) PutIfAbsent(context.Context, email.CorrelationID, []byte) (bool, error) {
	return false, errors.New("connection refused")
}

func TestHandle_StoreFailureRejectsTemporarily(t *testing.T) {
	f := newFixture(t)
	r := New(Config{Store: failingStore{}, Queue: f.queue})

	d := r.Handle(context.Background(), testEnvelope, []byte(rawMessage))
	assert.Equal(t, 451, d.Code)

	_, jobs := f.counts(t)
	assert.Zero(t, jobs)
}

// TestReceiver_OverSMTP submits the same message twice through a real SMTP
// listener and checks that only one analysis job results.
func TestReceiver_OverSMTP(t *testing.T) {
	f := newFixture(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := smtp.New(smtp.ServerConfig{Hostname: "mx.gateway.test", Handler: f.recv})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	body := strings.ReplaceAll(rawMessage, "hello", ".dot-stuffed line")
	for i := 0; i < 2; i++ {
		c, err := gosmtp.Dial(ln.Addr().String())
		require.NoError(t, err)
		require.NoError(t, c.SendMail(testEnvelope.From, testEnvelope.To, bytes.NewReader([]byte(body))))
		require.NoError(t, c.Quit())
	}

	entries, jobs := f.counts(t)
	assert.Equal(t, 1, entries)
	assert.EqualValues(t, 1, jobs)

	data, err := f.store.Get(context.Background(), email.NewCorrelationID([]byte(body)))
	require.NoError(t, err, "held raw must equal the submitted bytes")
	held, err := email.DecodeHeld(data)
	require.NoError(t, err)
	assert.Equal(t, body, string(held.Raw))
}
