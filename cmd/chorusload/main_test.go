package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"flag"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/ent0n29/chorus/internal/app"
	"github.com/ent0n29/chorus/internal/audio"
	"github.com/ent0n29/chorus/internal/config"
)

func TestDecodeWAVPCM16MonoRoundTrip(t *testing.T) {
	pcm := []byte{
		0x00, 0x00,
		0xE8, 0x03, // 1000
		0x18, 0xFC, // -1000
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	gotPCM, gotSR, err := decodeWAVPCM16(wav)
	if err != nil {
		t.Fatalf("decodeWAVPCM16() error = %v", err)
	}
	if gotSR != 16000 {
		t.Fatalf("sampleRate = %d, want 16000", gotSR)
	}
	if !bytes.Equal(gotPCM, pcm) {
		t.Fatalf("pcm mismatch: got=%v want=%v", gotPCM, pcm)
	}
}

func TestDecodeWAVPCM16StereoDownmix(t *testing.T) {
	// Frame 1: L=1000, R=-1000 => avg=0
	// Frame 2: L=3000, R=1000  => avg=2000
	stereo := []byte{
		0xE8, 0x03, 0x18, 0xFC,
		0xB8, 0x0B, 0xE8, 0x03,
	}
	gotPCM, gotSR, err := decodeWAVPCM16(encodeWAV16Stereo(t, stereo, 24000))
	if err != nil {
		t.Fatalf("decodeWAVPCM16() error = %v", err)
	}
	if gotSR != 24000 {
		t.Fatalf("sampleRate = %d, want 24000", gotSR)
	}
	if len(gotPCM) != 4 {
		t.Fatalf("len(gotPCM) = %d, want 4", len(gotPCM))
	}
	s1 := int16(binary.LittleEndian.Uint16(gotPCM[0:2]))
	s2 := int16(binary.LittleEndian.Uint16(gotPCM[2:4]))
	if s1 != 0 || s2 != 2000 {
		t.Fatalf("downmix samples = [%d %d], want [0 2000]", s1, s2)
	}
}

func TestDecodeWAVPCM16RejectsGarbage(t *testing.T) {
	if _, _, err := decodeWAVPCM16([]byte("not a wav file at all")); err == nil {
		t.Fatalf("decodeWAVPCM16() accepted garbage")
	}
}

func encodeWAV16Stereo(t *testing.T, stereoPCM []byte, sampleRate int) []byte {
	t.Helper()
	if len(stereoPCM)%4 != 0 {
		t.Fatalf("stereoPCM length must be multiple of 4, got %d", len(stereoPCM))
	}
	dataSize := uint32(len(stereoPCM))

	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36)+dataSize)
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&b, binary.LittleEndian, uint16(2)) // stereo
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate*4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, dataSize)
	b.Write(stereoPCM)
	return b.Bytes()
}

func TestPercentile(t *testing.T) {
	samples := []time.Duration{5 * time.Millisecond, time.Millisecond, 3 * time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	if got := percentile(samples, 0.5); got != 3*time.Millisecond {
		t.Fatalf("p50 = %s, want 3ms", got)
	}
	if got := percentile(samples, 0.95); got != 5*time.Millisecond {
		t.Fatalf("p95 = %s, want 5ms", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("empty p50 = %s", got)
	}
}

func TestParseFlagsValidates(t *testing.T) {
	cfg, err := parseFlags(flag.NewFlagSet("t", flag.ContinueOnError), []string{"-clients", "2", "-texts", " a | | b "})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.clients != 2 || len(cfg.texts) != 2 || cfg.texts[1] != "b" {
		t.Fatalf("parsed = %+v", cfg)
	}

	fs := flag.NewFlagSet("t", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if _, err := parseFlags(fs, []string{"-turns", "0"}); err == nil {
		t.Fatalf("parseFlags() accepted zero turns")
	}
}

func TestWSURL(t *testing.T) {
	got, err := wsURL("https://voice.example/base/")
	if err != nil {
		t.Fatalf("wsURL() error = %v", err)
	}
	if got != "wss://voice.example/base/v1/ws" {
		t.Fatalf("wsURL() = %q", got)
	}
	if _, err := wsURL("ftp://x"); err == nil {
		t.Fatalf("wsURL() accepted ftp scheme")
	}
}

func TestRunAgainstServer(t *testing.T) {
	cfg := config.Config{
		BindAddr:            "127.0.0.1:0",
		ShutdownTimeout:     2 * time.Second,
		MetricsNamespace:    "chorusload_test",
		LogLevel:            "error",
		LogFormat:           "json",
		MaxConnections:      8,
		OutboundBuffer:      64,
		SendTimeout:         time.Second,
		HeartbeatTimeout:    30 * time.Second,
		ReaperInterval:      time.Second,
		QueueMaxSize:        8,
		QueueWorkerCount:    4,
		QueueOverflowPolicy: "reject",
		QueueTaskTimeout:    10 * time.Second,
		QueueStatusInterval: time.Hour,
		QueueHighWaterRatio: 0.8,
		QueueRetention:      time.Minute,
		QueueHistoryWindow:  time.Minute,
		EngineMode:          "mock",
		SynthesizerMode:     "mock",
		HistoryContextLimit: 8,
		CharacterConfigs:    []string{"default"},
	}
	res, err := app.Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- res.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-served
	}()

	for _, voice := range []bool{false, true} {
		opts := options{
			baseURL:     "http://" + ln.Addr().String(),
			clients:     2,
			turns:       2,
			voice:       voice,
			chunkMS:     100,
			realtime:    50,
			turnTimeout: 5 * time.Second,
			texts:       []string{"hello", "again"},
		}
		rep, err := run(context.Background(), opts, io.Discard)
		if err != nil {
			t.Fatalf("run(voice=%v) error = %v", voice, err)
		}
		if rep.turns != 4 || rep.outcomes["completed"] != 4 {
			t.Fatalf("run(voice=%v) outcomes = %v over %d turns", voice, rep.outcomes, rep.turns)
		}
		if rep.fragments == 0 || rep.audio <= 0 {
			t.Fatalf("run(voice=%v) fragments=%d audio=%s", voice, rep.fragments, rep.audio)
		}
		var out bytes.Buffer
		rep.print(&out)
		if !bytes.Contains(out.Bytes(), []byte("first_fragment p50=")) {
			t.Fatalf("summary = %q", out.String())
		}
	}
}
