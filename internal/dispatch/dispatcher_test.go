package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/testutil"
	"go.uber.org/goleak"
)

func fastOpts() []Option {
	return []Option{WithDelays(0, 0), WithGlobalRate(0), WithSendTimeout(time.Second)}
}

func text(to, body string) models.OutboundMessage {
	return models.OutboundMessage{To: to, Text: body, Modality: models.ModalityText}
}

func TestSendText(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch := testutil.NewFakeChannel()
	d := New(ch, nil, fastOpts()...)
	defer d.Close()

	res := d.Send(context.Background(), text("22997000000", "  Bonjour  "))
	if !res.Success || res.Modality != models.ModalityText {
		t.Fatalf("unexpected result %+v", res)
	}
	sent := ch.Sent()
	if len(sent) != 1 || sent[0].Text != "Bonjour" {
		t.Errorf("expected trimmed text send, got %+v", sent)
	}
}

func TestPerRecipientOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch := testutil.NewFakeChannel()
	ch.Latency = time.Millisecond
	d := New(ch, nil, fastOpts()...)

	recipients := []string{"a", "b", "c"}
	const perRecipient = 20
	for i := 0; i < perRecipient; i++ {
		for _, to := range recipients {
			if err := d.Enqueue(text(to, fmt.Sprintf("%s-%02d", to, i))); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}
	}
	d.Close()

	for _, to := range recipients {
		got := ch.SentTo(to)
		if len(got) != perRecipient {
			t.Fatalf("%s: expected %d sends, got %d", to, perRecipient, len(got))
		}
		for i, m := range got {
			if want := fmt.Sprintf("%s-%02d", to, i); m.Text != want {
				t.Fatalf("%s: send %d is %q, want %q", to, i, m.Text, want)
			}
		}
	}
}

func TestNoParallelSendsToOneRecipient(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch := testutil.NewFakeChannel()
	ch.Latency = 2 * time.Millisecond

	var mu sync.Mutex
	inFlight := map[string]int{}
	overlap := false
	guard := &guardChannel{FakeChannel: ch, before: func(to string) {
		mu.Lock()
		inFlight[to]++
		if inFlight[to] > 1 {
			overlap = true
		}
		mu.Unlock()
	}, after: func(to string) {
		mu.Lock()
		inFlight[to]--
		mu.Unlock()
	}}

	d := New(guard, nil, fastOpts()...)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.Send(context.Background(), text("same", fmt.Sprintf("m%d", i)))
		}(i)
	}
	wg.Wait()
	d.Close()

	if overlap {
		t.Error("two sends to the same recipient were in flight at once")
	}
	if n := len(ch.Sent()); n != 10 {
		t.Errorf("expected 10 sends, got %d", n)
	}
}

type guardChannel struct {
	*testutil.FakeChannel
	before, after func(to string)
}

func (g *guardChannel) SendText(ctx context.Context, to, body string) error {
	g.before(to)
	defer g.after(to)
	return g.FakeChannel.SendText(ctx, to, body)
}

func TestMinimumGapPerRecipient(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch := testutil.NewFakeChannel()
	d := New(ch, &testutil.FakeTTS{Audio: []byte("ogg")},
		WithDelays(30*time.Millisecond, 60*time.Millisecond), WithGlobalRate(0))

	d.Send(context.Background(), models.OutboundMessage{To: "x", Text: "audio", Modality: models.ModalityAudio})
	d.Send(context.Background(), text("x", "one"))
	d.Send(context.Background(), text("x", "two"))
	d.Close()

	sent := ch.SentTo("x")
	if len(sent) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(sent))
	}
	if gap := sent[1].At.Sub(sent[0].At); gap < 60*time.Millisecond {
		t.Errorf("gap after audio was %v, want >= 60ms", gap)
	}
	if gap := sent[2].At.Sub(sent[1].At); gap < 30*time.Millisecond {
		t.Errorf("gap after text was %v, want >= 30ms", gap)
	}
}

func TestAudioDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch := testutil.NewFakeChannel()
	tts := &testutil.FakeTTS{Audio: []byte("ogg-bytes")}
	d := New(ch, tts, fastOpts()...)
	defer d.Close()

	res := d.Send(context.Background(), models.OutboundMessage{
		To: "x", Text: "Porte ton casque", Modality: models.ModalityAudio, Language: models.LanguageYoruba,
	})
	if !res.Success || res.Modality != models.ModalityAudio {
		t.Fatalf("unexpected result %+v", res)
	}
	sent := ch.Sent()
	if len(sent) != 1 || !sent[0].IsAudio() || sent[0].MIME != DefaultAudioMIME {
		t.Errorf("expected one audio send, got %+v", sent)
	}
}

func TestAudioFallsBackToText(t *testing.T) {
	tests := []struct {
		name string
		tts  Synthesizer
	}{
		{"empty payload", &testutil.FakeTTS{Audio: []byte{}}},
		{"synthesis error", &testutil.FakeTTS{Err: errors.New("tts down")}},
		{"no synthesizer", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)
			ch := testutil.NewFakeChannel()
			d := New(ch, tt.tts, fastOpts()...)
			defer d.Close()

			res := d.Send(context.Background(), models.OutboundMessage{
				To: "x", Text: "Attention", Modality: models.ModalityAudio,
			})
			if !res.Success || res.Modality != models.ModalityText {
				t.Fatalf("expected text fallback success, got %+v", res)
			}
			sent := ch.Sent()
			if len(sent) != 1 || sent[0].IsAudio() || sent[0].Text != "Attention" {
				t.Errorf("expected one text send, got %+v", sent)
			}
		})
	}
}

// stalledTTS never returns audio before its context ends.
type stalledTTS struct{}

func (stalledTTS) TextToAudio(ctx context.Context, _ string, _ models.Language) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStalledSynthesisStillSendsText(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch := testutil.NewFakeChannel()
	d := New(ch, stalledTTS{}, WithDelays(0, 0), WithGlobalRate(0),
		WithSendTimeout(50*time.Millisecond), WithTTSTimeout(50*time.Millisecond))
	defer d.Close()

	res := d.Send(context.Background(), models.OutboundMessage{
		To: "x", Text: "Évacuez la zone", Modality: models.ModalityAudio, Language: models.LanguageFon,
	})
	if !res.Success || res.Modality != models.ModalityText {
		t.Fatalf("expected text fallback after stalled synthesis, got %+v", res)
	}
	if sent := ch.Sent(); len(sent) != 1 || sent[0].IsAudio() || sent[0].Text != "Évacuez la zone" {
		t.Errorf("expected one text send, got %+v", sent)
	}
}

func TestTTSTimeoutDefaultsWithinSendTimeout(t *testing.T) {
	d := New(testutil.NewFakeChannel(), nil, WithSendTimeout(5*time.Second))
	defer d.Close()
	if d.opts.TTSTimeout != 5*time.Second {
		t.Errorf("TTSTimeout = %v, want it capped at the send timeout", d.opts.TTSTimeout)
	}
}

func TestPreChecksDoNotContactChannel(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch := testutil.NewFakeChannel()
	d := New(ch, nil, fastOpts()...)
	defer d.Close()

	res := d.Send(context.Background(), text("x", "   \n "))
	if res.Success || res.Error != ReasonEmptyText {
		t.Errorf("expected empty text failure, got %+v", res)
	}

	ch.SetConnected(false)
	res = d.Send(context.Background(), text("x", "hello"))
	if res.Success || res.Error != ReasonNotConnected {
		t.Errorf("expected not connected failure, got %+v", res)
	}
	if n := len(ch.Sent()); n != 0 {
		t.Errorf("channel must not be contacted, got %d sends", n)
	}
}

func TestChannelFailureIsSurfaced(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch := testutil.NewFakeChannel()
	ch.TextErr = errors.New("rate limited")
	d := New(ch, nil, fastOpts()...)
	defer d.Close()

	res := d.Send(context.Background(), text("x", "hello"))
	if res.Success || !strings.Contains(res.Error, "rate limited") {
		t.Errorf("expected surfaced failure, got %+v", res)
	}
}

func TestSendTimeoutIsFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch := testutil.NewFakeChannel()
	ch.Block = true
	d := New(ch, nil, WithDelays(0, 0), WithGlobalRate(0), WithSendTimeout(20*time.Millisecond))
	defer d.Close()

	start := time.Now()
	res := d.Send(context.Background(), text("x", "hello"))
	if res.Success {
		t.Fatal("expected failure on timeout")
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("expected timeout reason, got %q", res.Error)
	}
	if time.Since(start) > time.Second {
		t.Error("send was not bounded by the timeout")
	}
}

func TestEmptyRecipientRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := New(testutil.NewFakeChannel(), nil, fastOpts()...)
	defer d.Close()
	if err := d.Enqueue(text("", "x")); !errors.Is(err, models.ErrEmptyRecipient) {
		t.Errorf("expected ErrEmptyRecipient, got %v", err)
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch := testutil.NewFakeChannel()
	ch.Latency = time.Millisecond
	d := New(ch, nil, fastOpts()...)

	for i := 0; i < 5; i++ {
		if err := d.Enqueue(text(fmt.Sprintf("r%d", i), "bye")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	d.Close()
	if n := len(ch.Sent()); n != 5 {
		t.Errorf("expected queued messages to be delivered, got %d", n)
	}
	if d.Pending() != 0 {
		t.Errorf("expected empty queue, got %d", d.Pending())
	}

	if err := d.Enqueue(text("x", "late")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if res := d.Send(context.Background(), text("x", "late")); res.Success || res.Error != ErrClosed.Error() {
		t.Errorf("expected closed failure, got %+v", res)
	}
	d.Close()
}

func TestBulkDoesNotStarveInteractive(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch := testutil.NewFakeChannel()
	ch.Latency = 20 * time.Millisecond
	d := New(ch, nil, WithWorkers(3), WithBulkWorkers(1), WithDelays(0, 0), WithGlobalRate(0))

	for i := 0; i < 6; i++ {
		msg := text(fmt.Sprintf("bulk%d", i), "campagne")
		msg.Priority = models.PriorityBulk
		if err := d.Enqueue(msg); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	start := time.Now()
	res := d.Send(context.Background(), text("live", "réponse"))
	elapsed := time.Since(start)
	d.Close()

	if !res.Success {
		t.Fatalf("interactive send failed: %+v", res)
	}
	// Six bulk sends through one bulk slot take ~120ms; the live reply must not wait for them.
	if elapsed > 80*time.Millisecond {
		t.Errorf("interactive send waited %v behind bulk traffic", elapsed)
	}
}
