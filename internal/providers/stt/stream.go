// Package stt is the outbound speech-to-text collaborator: a
// websocket client that subscribes to the runtime's utterance stream and
// relays each session's PCM to the provider, chronologically and gap-free
// within a session — the controller's ordering guarantee makes that free.
package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/edge-runtime/internal/client"
	"github.com/lokutor-ai/edge-runtime/internal/logging"
	"github.com/lokutor-ai/edge-runtime/internal/wire"
)

// Transcript is one recognition result for a session.
type Transcript struct {
	SessionID string
	Text      string
	Final     bool
}

// Config points the client at the provider and the runtime's event socket.
type Config struct {
	ProviderURL string // websocket endpoint, api key included by the caller
	EventAddr   string // runtime wakeword socket
	SampleRate  int    // 16000 on the capture path
}

// finalWait bounds how long the client waits for the provider's final
// transcript after end of speech.
const finalWait = 10 * time.Second

// StreamClient relays utterance sessions to the provider.
type StreamClient struct {
	cfg          Config
	log          logging.Logger
	onTranscript func(Transcript)

	conn      *websocket.Conn
	sessionID string
	results   chan Transcript
	readerErr chan error
}

// NewStreamClient builds a client delivering recognition results to
// onTranscript.
func NewStreamClient(cfg Config, onTranscript func(Transcript), log logging.Logger) *StreamClient {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &StreamClient{cfg: cfg, log: log, onTranscript: onTranscript}
}

// Run subscribes to the event stream and relays sessions until ctx is done
// or the event connection drops.
func (c *StreamClient) Run(ctx context.Context) error {
	sub, err := client.DialEvents(ctx, c.cfg.EventAddr, wire.KindWakewordPlusUtterance)
	if err != nil {
		return err
	}
	defer sub.Close()
	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			c.abandonSession()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stt: event stream: %w", err)
		}
		switch {
		case ev.UtteranceStart != nil:
			if err := c.openSession(ctx, *ev.UtteranceStart); err != nil {
				c.log.Error("stt: session open failed", "session", ev.UtteranceStart.SessionID, "err", err)
			}
		case ev.UtteranceChunk != nil:
			c.relayChunk(ctx, *ev.UtteranceChunk)
		case ev.UtteranceEnd != nil:
			c.finishSession(ctx, ev.UtteranceEnd.SessionID)
		}
	}
}

// openSession dials the provider for one utterance, announces the audio
// format, and streams the pre-roll so the recognizer has phonetic context
// from before the wake-word ended.
func (c *StreamClient) openSession(ctx context.Context, start wire.UtteranceStartPayload) error {
	c.abandonSession()

	conn, _, err := websocket.Dial(ctx, c.cfg.ProviderURL, nil)
	if err != nil {
		return fmt.Errorf("stt: dial provider: %w", err)
	}

	header := map[string]interface{}{
		"sample_rate": c.cfg.SampleRate,
		"encoding":    "s16le",
		"channels":    1,
		"session_id":  start.SessionID,
	}
	if err := wsjson.Write(ctx, conn, header); err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "header write failed")
		return fmt.Errorf("stt: send header: %w", err)
	}

	c.conn = conn
	c.sessionID = start.SessionID
	c.results = make(chan Transcript, 8)
	c.readerErr = make(chan error, 1)
	go c.readTranscripts(ctx, conn, start.SessionID, c.results, c.readerErr)

	for _, chunk := range start.Preroll {
		if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
			c.abandonSession()
			return fmt.Errorf("stt: send preroll: %w", err)
		}
	}
	return nil
}

func (c *StreamClient) relayChunk(ctx context.Context, chunk wire.UtteranceChunkPayload) {
	if c.conn == nil || chunk.SessionID != c.sessionID {
		return
	}
	if err := c.conn.Write(ctx, websocket.MessageBinary, chunk.Data); err != nil {
		c.log.Error("stt: chunk relay failed", "session", c.sessionID, "err", err)
		c.abandonSession()
	}
}

// finishSession signals end of speech to the provider and waits briefly for
// the final transcript.
func (c *StreamClient) finishSession(ctx context.Context, sessionID string) {
	if c.conn == nil || sessionID != c.sessionID {
		return
	}
	conn, results, readerErr := c.conn, c.results, c.readerErr
	c.conn = nil
	c.sessionID = ""

	if err := conn.Write(ctx, websocket.MessageText, []byte("EOS")); err != nil {
		c.log.Error("stt: EOS write failed", "session", sessionID, "err", err)
		conn.Close(websocket.StatusAbnormalClosure, "EOS failed")
		return
	}

	timer := time.NewTimer(finalWait)
	defer timer.Stop()
	for {
		select {
		case tr := <-results:
			c.onTranscript(tr)
			if tr.Final {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		case err := <-readerErr:
			if !errors.Is(err, context.Canceled) {
				c.log.Warn("stt: provider closed before final transcript", "session", sessionID, "err", err)
			}
			conn.Close(websocket.StatusAbnormalClosure, "reader failed")
			return
		case <-timer.C:
			c.log.Warn("stt: final transcript timeout", "session", sessionID)
			conn.Close(websocket.StatusAbnormalClosure, "final timeout")
			return
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "shutdown")
			return
		}
	}
}

// readTranscripts drains provider messages for one session, forwarding
// partials immediately and queuing final transcripts for finishSession.
func (c *StreamClient) readTranscripts(ctx context.Context, conn *websocket.Conn, sessionID string, results chan Transcript, readerErr chan error) {
	for {
		var msg struct {
			Text  string `json:"text"`
			Final bool   `json:"final"`
		}
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			readerErr <- err
			return
		}
		tr := Transcript{SessionID: sessionID, Text: msg.Text, Final: msg.Final}
		if !msg.Final {
			// Partials go straight out; the final one is delivered by
			// finishSession so it cannot race the session teardown.
			c.onTranscript(tr)
			continue
		}
		select {
		case results <- tr:
		default:
		}
	}
}

// abandonSession drops any in-flight provider connection without waiting for
// results — used when a new session starts or the event stream dies.
func (c *StreamClient) abandonSession() {
	if c.conn == nil {
		return
	}
	c.conn.Close(websocket.StatusAbnormalClosure, "session abandoned")
	c.conn = nil
	c.sessionID = ""
}
