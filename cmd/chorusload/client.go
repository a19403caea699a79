package main

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/chorus/internal/audio"
	"github.com/ent0n29/chorus/internal/protocol"
)

const syntheticSampleRate = 16000

type turnResult struct {
	outcome       string
	firstFragment time.Duration
	total         time.Duration
	fragments     int
	audio         time.Duration
}

// event is the subset of an outbound server frame the load client reacts to.
type event struct {
	Type        protocol.MessageType `json:"type"`
	ClientUID   string               `json:"client_uid,omitempty"`
	State       string               `json:"state,omitempty"`
	Code        string               `json:"code,omitempty"`
	Message     string               `json:"message,omitempty"`
	AudioBase64 string               `json:"audio_base64,omitempty"`
}

type client struct {
	conn    *websocket.Conn
	uid     string
	events  chan event
	readErr chan error
	done    chan struct{}
}

func dialClient(ctx context.Context, endpoint string) (*client, error) {
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	c := &client{
		conn:    conn,
		events:  make(chan event, 64),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	timer := time.NewTimer(10 * time.Second)
	defer timer.Stop()
	for {
		select {
		case ev := <-c.events:
			if ev.Type == protocol.TypeConnectionEstablished {
				c.uid = ev.ClientUID
				return c, nil
			}
		case err := <-c.readErr:
			close(c.done)
			_ = conn.Close()
			return nil, fmt.Errorf("await connection-established: %w", err)
		case <-timer.C:
			close(c.done)
			_ = conn.Close()
			return nil, errors.New("timeout awaiting connection-established")
		}
	}
}

func (c *client) close() {
	close(c.done)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.conn.Close()
}

func (c *client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case c.readErr <- err:
			default:
			}
			return
		}
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case protocol.TypeConnectionEstablished, protocol.TypeFragment, protocol.TypeTaskStatus, protocol.TypeError:
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
	}
}

// turn sends one utterance and waits for its terminal status or a rejection.
func (c *client) turn(ctx context.Context, cfg options, text string) (turnResult, error) {
	start := time.Now()
	var err error
	if cfg.voice {
		err = sendTurnAudio(c.conn, syntheticPCM(text), syntheticSampleRate, cfg.chunkMS, cfg.realtime)
		if err == nil {
			err = c.conn.WriteJSON(protocol.MicAudioEnd{Type: protocol.TypeMicAudioEnd})
		}
	} else {
		err = c.conn.WriteJSON(protocol.TextInput{Type: protocol.TypeTextInput, Text: text})
	}
	if err != nil {
		return turnResult{}, fmt.Errorf("send: %w", err)
	}

	var res turnResult
	timer := time.NewTimer(cfg.turnTimeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-c.events:
			switch ev.Type {
			case protocol.TypeFragment:
				if res.fragments == 0 {
					res.firstFragment = time.Since(start)
				}
				res.fragments++
				res.audio += fragmentAudio(ev.AudioBase64)
			case protocol.TypeTaskStatus:
				if ev.State == "queued" || ev.State == "running" {
					continue
				}
				res.outcome = ev.State
				res.total = time.Since(start)
				return res, nil
			case protocol.TypeError:
				res.outcome = "rejected_" + ev.Code
				res.total = time.Since(start)
				return res, nil
			}
		case err := <-c.readErr:
			return res, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			res.outcome = "timeout"
			res.total = time.Since(start)
			return res, nil
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}

func fragmentAudio(b64 string) time.Duration {
	if b64 == "" {
		return 0
	}
	wav, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return 0
	}
	pcm, sampleRate, err := decodeWAVPCM16(wav)
	if err != nil {
		return 0
	}
	return audio.Duration(pcm, sampleRate)
}

// syntheticPCM renders a short tone whose length follows the utterance, so
// voice turns carry plausible amounts of audio.
func syntheticPCM(text string) []byte {
	ms := 300 + 40*len(text)
	if ms > 4000 {
		ms = 4000
	}
	n := syntheticSampleRate * ms / 1000
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(6000 * math.Sin(2*math.Pi*220*float64(i)/syntheticSampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func sendTurnAudio(conn *websocket.Conn, pcm []byte, sampleRate, chunkMS int, realtime float64) error {
	if sampleRate <= 0 {
		sampleRate = syntheticSampleRate
	}
	bytesPerChunk := sampleRate * 2 * chunkMS / 1000
	if bytesPerChunk < 2 {
		bytesPerChunk = 2
	}
	if bytesPerChunk%2 != 0 {
		bytesPerChunk++
	}

	for off := 0; off < len(pcm); {
		end := off + bytesPerChunk
		if end > len(pcm) {
			end = len(pcm)
		}
		if (end-off)%2 != 0 {
			end--
		}
		if end <= off {
			break
		}
		msg := protocol.MicAudioData{
			Type:        protocol.TypeMicAudioData,
			PCM16Base64: base64.StdEncoding.EncodeToString(pcm[off:end]),
			SampleRate:  sampleRate,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		chunkDuration := time.Duration(float64(audio.Duration(pcm[off:end], sampleRate)) / realtime)
		off = end
		if chunkDuration <= 0 {
			chunkDuration = time.Millisecond
		}
		time.Sleep(chunkDuration)
	}
	return nil
}
