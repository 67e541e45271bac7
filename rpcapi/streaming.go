package rpcapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/usnistgov/daqcore"
)

// frameStreamBuffer is the per-stream frame channel capacity for
// StreamFrames.
const frameStreamBuffer = 8

// frameStreamDropThreshold is the fill fraction at which new frames are
// dropped rather than queued, so a slow client can never stall the
// camera driver's producer goroutine.
const frameStreamDropThreshold = 0.75

// FrameQuality selects how StreamFrames downsamples a live camera feed.
type FrameQuality string

const (
	// QualityFull forwards frames at native resolution.
	QualityFull FrameQuality = "full"
	// QualityPreview bins each 2x2 pixel block into one output pixel.
	QualityPreview FrameQuality = "preview"
	// QualityFast bins each 4x4 pixel block, for UI thumbnails.
	QualityFast FrameQuality = "fast"
)

func (q FrameQuality) binFactor() int {
	switch q {
	case QualityPreview:
		return 2
	case QualityFast:
		return 4
	default:
		return 1
	}
}

// binFrame reduces f by factor in each dimension, averaging each
// factor x factor block. Only single-byte-per-pixel frames are binned;
// an unknown layout passes through at full resolution rather than risk
// scrambling it.
func binFrame(f daqcore.Frame, factor int) daqcore.Frame {
	if factor <= 1 || f.PixelFormat != "gray8" {
		return f
	}
	outW, outH := f.Width/factor, f.Height/factor
	if outW == 0 || outH == 0 || len(f.Ptr) < f.RowStride*(f.Height-1)+f.Width {
		return f
	}
	out := make([]byte, outW*outH)
	for y := 0; y < outH; y++ {
		for x := 0; x < outW; x++ {
			sum := 0
			for dy := 0; dy < factor; dy++ {
				row := (y*factor + dy) * f.RowStride
				for dx := 0; dx < factor; dx++ {
					sum += int(f.Ptr[row+x*factor+dx])
				}
			}
			out[y*outW+x] = byte(sum / (factor * factor))
		}
	}
	return daqcore.Frame{
		Ptr: out, Width: outW, Height: outH, RowStride: outW,
		PixelFormat: f.PixelFormat, TimestampNs: f.TimestampNs,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(s.bearerAuth)
	r.Get("/ws/documents", s.handleStreamDocuments)
	r.Get("/ws/devices/{deviceID}/state", s.handleStreamDeviceState)
	r.Get("/ws/devices/{deviceID}/parameters/{name}", s.handleSubscribeParameter)
	r.Get("/ws/devices/{deviceID}/frames", s.handleStreamFrames)
	return r
}

// bearerAuth enforces "Authorization: Bearer <token>" when the server
// was configured with a non-empty AuthToken. With an empty AuthToken
// every request is let through, leaving access control to the OS
// socket/filesystem boundary.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || auth[len(prefix):] != s.authToken {
			writeErrorJSON(w, http.StatusUnauthorized, daqcore.Unauthenticated("missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeErrorJSON(w http.ResponseWriter, status int, err *daqcore.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"kind": string(err.Kind), "message": err.Message})
}

// handleStreamDocuments relays the run engine's lossy document broadcast
// to one websocket client per connection.
func (s *Server) handleStreamDocuments(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("StreamDocuments: upgrade failed")
		return
	}
	defer conn.Close()

	docs, cancel := s.engine.StreamDocuments()
	defer cancel()
	for doc := range docs {
		if err := conn.WriteJSON(doc); err != nil {
			return
		}
	}
}

// handleStreamDeviceState relays every parameter change on one device as
// a single combined stream, useful for a dashboard panel that wants "all
// of this device's state" without opening one socket per parameter. An
// optional ?max_rate_hz= caps delivery; updates above the cap are
// dropped, and the client re-synchronizes from the next one through.
func (s *Server) handleStreamDeviceState(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	minGap := rateGap(r.URL.Query().Get("max_rate_hz"))
	pz, ok := s.registry.GetParameterized(deviceID)
	if !ok {
		http.Error(w, "device does not implement Parameterized", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("StreamDeviceState: upgrade failed")
		return
	}
	defer conn.Close()

	set := pz.Parameters()
	type update struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
	}
	updates := make(chan update, 64)
	var cancels []func()
	for _, name := range set.Names() {
		ch, cancel, err := set.SubscribeValue(name)
		if err != nil {
			continue
		}
		cancels = append(cancels, cancel)
		go func(name string, ch <-chan any) {
			for v := range ch {
				select {
				case updates <- update{Name: name, Value: v}:
				default:
				}
			}
		}(name, ch)
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	var lastSent time.Time
	for u := range updates {
		if minGap > 0 && time.Since(lastSent) < minGap {
			continue
		}
		lastSent = time.Now()
		if err := conn.WriteJSON(u); err != nil {
			return
		}
	}
}

// rateGap converts a ?max_rate_hz= / ?max_fps= query value into the
// minimum gap between deliveries, or 0 for uncapped.
func rateGap(raw string) time.Duration {
	hz, err := strconv.ParseFloat(raw, 64)
	if err != nil || hz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / hz)
}

// handleSubscribeParameter streams a single named parameter's changes as
// ParameterChange events: device id, parameter name, old/new value,
// commit timestamp, and origin.
func (s *Server) handleSubscribeParameter(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	name := chi.URLParam(r, "name")
	pz, ok := s.registry.GetParameterized(deviceID)
	if !ok {
		http.Error(w, "device does not implement Parameterized", http.StatusNotFound)
		return
	}
	ch, cancel, err := pz.Parameters().SubscribeChanges(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("SubscribeParameters: upgrade failed")
		return
	}
	defer conn.Close()

	for change := range ch {
		if err := conn.WriteJSON(change); err != nil {
			return
		}
	}
}

// handleStreamFrames relays a camera's live frame stream, binned down by
// the requested ?quality=, capped by ?max_fps=, and subject to the
// 8-frame buffer / 75%-fill drop policy so a slow consumer can never
// back-pressure the driver. Every delivered frame's header carries the
// running count of frames dropped on this stream so far.
func (s *Server) handleStreamFrames(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	quality := FrameQuality(r.URL.Query().Get("quality"))
	if quality == "" {
		quality = QualityFull
	}
	minGap := rateGap(r.URL.Query().Get("max_fps"))

	fp, ok := s.registry.GetFrameProducer(deviceID)
	if !ok {
		http.Error(w, "device does not implement FrameProducer", http.StatusNotFound)
		return
	}

	ctx := r.Context()
	frames := make(chan daqcore.Frame, frameStreamBuffer)
	if err := fp.StartStream(ctx, frames); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer fp.StopStream(context.Background())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("StreamFrames: upgrade failed")
		return
	}
	defer conn.Close()

	dropAt := int(float64(frameStreamBuffer) * frameStreamDropThreshold)
	var dropped uint64
	var lastSent time.Time
	for f := range frames {
		if len(frames) >= dropAt {
			dropped++
			continue
		}
		if minGap > 0 && time.Since(lastSent) < minGap {
			dropped++
			continue
		}
		lastSent = time.Now()
		out := binFrame(f, quality.binFactor())
		if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(out, dropped)); err != nil {
			return
		}
	}
}

// encodeFrame renders a Frame as a small JSON header followed by raw
// pixel bytes, so clients avoid base64-inflating the pixel payload the
// way a pure-JSON encoding would force. dropped is the stream's running
// dropped-frame count, so a client can tell skipped frames from a
// stalled camera.
func encodeFrame(f daqcore.Frame, dropped uint64) []byte {
	header, _ := json.Marshal(struct {
		Width, Height, RowStride int
		PixelFormat              string
		TimestampNs              int64
		PayloadLen               int
		Dropped                  uint64
	}{f.Width, f.Height, f.RowStride, f.PixelFormat, f.TimestampNs, len(f.Ptr), dropped})
	out := make([]byte, 0, len(header)+1+len(f.Ptr))
	out = append(out, byte(len(header)), byte(len(header)>>8))
	out = append(out, header...)
	out = append(out, f.Ptr...)
	return out
}
