// Codewords room surface.
//
// Routes:
//   - $path               → redirects to a new random room (8-char slug)
//   - $path/:room         → HTML client
//   - $path/:room/ws      → relay websocket for that room
//   - $path/:room/qr      → PNG QR code for sharing the room URL
//
// The browser client runs the same peer protocol as the Go session
// layer: it subscribes, tracks its presence under the player name, and
// exchanges stateSync/stateRequest broadcasts with the other peers in
// the room. The server side of this file is only the relay plus the
// dictionary API; it plays no part in the game itself.

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// maxWordFetch caps a single dictionary range request.
const maxWordFetch = 100

//go:embed codewords/index.html
var roomHTML []byte

//go:embed codewords/app.css
var codewordsCSS []byte

//go:embed codewords/app.js
var codewordsJS []byte

// newRoomID generates a crypto-random room slug, retrying on the
// unlikely collision with a live room.
func newRoomID(broker *relayBroker) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		if !broker.exists(id) {
			return id
		}
	}
}

func redirectNewRoom(cfg *Config, path string, broker *relayBroker) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		room := newRoomID(broker)
		logf(cfg, "ROOMS: Created room %s/%s", path, room)
		http.Redirect(w, r, path+"/"+room, http.StatusTemporaryRedirect)
	}
}

func getRoomHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(roomHTML)
	}
}

func getCssHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(codewordsCSS)
	}
}

func getJsHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(codewordsJS)
	}
}

// qrHandler generates a PNG QR code for the current room URL.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	room := ps.ByName("room")
	if room == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// serveWordCount exposes the dictionary row count to the browser
// peers, which need it to pick a valid random offset.
func serveWordCount(cfg *Config, source WordSource) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		count, err := source.Count(r.Context())
		if err != nil {
			logf(cfg, "WORDS: count failed: %v", err)
			http.Error(w, "dictionary unavailable", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		securityHeaders(cfg, w)

		_ = json.NewEncoder(w).Encode(map[string]int{"count": count})
	}
}

// serveWordRange exposes an id-ordered dictionary slice by offset.
func serveWordRange(cfg *Config, source WordSource) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
		if err != nil || offset < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
		if err != nil || limit < 1 || limit > maxWordFetch {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}

		words, err := source.FetchRange(r.Context(), offset, limit)
		if err != nil {
			logf(cfg, "WORDS: fetch failed: %v", err)
			http.Error(w, "dictionary unavailable", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		securityHeaders(cfg, w)

		_ = json.NewEncoder(w).Encode(words)
	}
}

// registerCodewordsGame mounts the room surface and the dictionary API.
func registerCodewordsGame(cfg *Config, path string, mux *httprouter.Router, source WordSource) {
	broker := newRelayBroker(cfg.sessionTimeout)

	base := cfg.prefix + path

	// Root path → redirect to new random room
	mux.GET(base, redirectNewRoom(cfg, base, broker))

	// Per-room client view (HTML)
	mux.GET(base+"/:room", getRoomHandler(cfg))

	// Shared assets (no room in route)
	mux.GET(cfg.prefix+"/assets/codewords/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/codewords/app.js", getJsHandler(cfg))

	// Per-room websocket relay
	mux.GET(base+"/:room/ws", serveRelay(cfg, broker))

	// Per-room QR code
	mux.GET(base+"/:room/qr", qrHandler)

	// Dictionary API for the browser peers
	mux.GET(cfg.prefix+"/api/dictionary/count", serveWordCount(cfg, source))
	mux.GET(cfg.prefix+"/api/dictionary/words", serveWordRange(cfg, source))
}
