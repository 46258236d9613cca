// Package tts is the outbound text-to-speech collaborator: a
// websocket client that streams synthesized PCM from the provider and feeds
// it to the audio socket as a playback producer.
package tts

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/edge-runtime/internal/client"
	"github.com/lokutor-ai/edge-runtime/internal/logging"
)

// DefaultVoice is used when a Say call passes an empty voice name.
const DefaultVoice = "F1"

// Client streams synthesis from the provider over one persistent websocket,
// re-dialed on demand after an error.
type Client struct {
	apiKey string
	host   string
	scheme string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient builds a provider client for the hosted synthesis endpoint.
func NewClient(apiKey string) *Client {
	return &Client{apiKey: apiKey, host: "api.lokutor.com", scheme: "wss"}
}

// NewClientForHost points the client at an arbitrary host, used by tests.
func NewClientForHost(apiKey, host, scheme string) *Client {
	return &Client{apiKey: apiKey, host: host, scheme: scheme}
}

func (c *Client) getConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	u := url.URL{Scheme: c.scheme, Host: c.host, Path: "/ws", RawQuery: "api_key=" + c.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("tts: dial provider: %w", err)
	}
	c.conn = conn
	return conn, nil
}

// StreamSynthesize sends one synthesis request and calls onChunk for every
// binary PCM message until the provider signals end of stream.
func (c *Client) StreamSynthesize(ctx context.Context, text, voice string, onChunk func([]byte) error) error {
	conn, err := c.getConn(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req := map[string]interface{}{
		"text":  text,
		"voice": voice,
		"speed": 1.0,
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		c.conn = nil
		conn.Close(websocket.StatusAbnormalClosure, "request write failed")
		return fmt.Errorf("tts: send request: %w", err)
	}

	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			c.conn = nil
			conn.Close(websocket.StatusAbnormalClosure, "read failed")
			return fmt.Errorf("tts: read: %w", err)
		}
		switch messageType {
		case websocket.MessageBinary:
			if err := onChunk(payload); err != nil {
				return err
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return nil
			}
			if strings.HasPrefix(msg, "ERR:") {
				return fmt.Errorf("tts: provider error: %s", msg)
			}
		}
	}
}

// Close drops the provider connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close(websocket.StatusNormalClosure, "")
		c.conn = nil
		return err
	}
	return nil
}

// Speaker couples the provider client to the runtime's audio socket: each
// Say claims the playback channel, streams synthesis into it, and waits for
// PlaybackComplete so callers know the utterance has actually been heard.
type Speaker struct {
	tts       *Client
	audioAddr string
	log       logging.Logger
}

// NewSpeaker builds a Speaker playing through the audio socket at audioAddr.
func NewSpeaker(tts *Client, audioAddr string, log logging.Logger) *Speaker {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Speaker{tts: tts, audioAddr: audioAddr, log: log}
}

// Say synthesizes text and plays it to completion. The producer connection
// lives for exactly one utterance so the playback channel frees as soon as
// the audio has drained.
func (s *Speaker) Say(ctx context.Context, text, voice string) error {
	if voice == "" {
		voice = DefaultVoice
	}
	p, err := client.DialProducer(ctx, s.audioAddr)
	if err != nil {
		return err
	}
	defer p.Close()

	err = s.tts.StreamSynthesize(ctx, text, voice, func(chunk []byte) error {
		return p.Play(chunk)
	})
	if err != nil {
		// Drop whatever is queued rather than playing a truncated utterance.
		if stopErr := p.Stop(); stopErr != nil {
			s.log.Debug("tts: stop after failed synthesis", "err", stopErr)
		}
		return err
	}

	completedAt, err := p.EndOfStream(ctx)
	if err != nil {
		return err
	}
	s.log.Debug("tts: playback complete", "at_ms", completedAt)
	return nil
}
