// liveness-api serves the liveness contract of the API service: it reads the
// layered settings for its mode and answers GET /healthz.
package main

import (
	"encoding/json"
	"flag"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-go-golems/stackctl/pkg/engine"
	"github.com/go-go-golems/stackctl/pkg/settings"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type serverSettings struct {
	Host string
	Port int
}

// loadSettings prefers the resolved document handed over by the supervisor
// and otherwise layers <dir>/default.* and <dir>/<mode>.* itself.
func loadSettings(dir string, lookup func(string) (string, bool)) (serverSettings, error) {
	var b *settings.Bundle
	if p, ok := lookup(engine.ConfigEnv); ok && p != "" {
		doc, err := settings.ReadDocument(p)
		if err != nil {
			return serverSettings{}, err
		}
		b = &settings.Bundle{Resolved: doc}
	} else {
		mode, err := settings.ModeFromLookup("RUN_MODE", lookup)
		if err != nil {
			return serverSettings{}, err
		}
		if b, err = (settings.Loader{Dir: dir}).Load(mode); err != nil {
			return serverSettings{}, err
		}
	}

	out := serverSettings{Host: "127.0.0.1", Port: 8080}
	if h, ok := b.String("server.host"); ok {
		out.Host = h
	}
	if _, set := b.Get("server.port"); set {
		port, ok := b.Int("server.port")
		if !ok {
			return serverSettings{}, errors.New("server.port is not a number")
		}
		out.Port = port
	}
	return out, nil
}

// listenAddress binds all interfaces for 0.0.0.0 and falls back to loopback
// when host is not an IP address.
func listenAddress(s serverSettings) string {
	host := s.Host
	if host != "0.0.0.0" && net.ParseIP(host) == nil {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

func newMux(mode string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "mode": mode})
	})
	mux.HandleFunc("GET /", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hello"))
	})
	return mux
}

func main() {
	var dir string
	flag.StringVar(&dir, "config-dir", "config", "Directory holding default.* and <mode>.* settings")
	flag.Parse()

	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	s, err := loadSettings(dir, os.LookupEnv)
	if err != nil {
		log.Fatal().Err(err).Msg("load settings")
	}
	addr := listenAddress(s)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMux(os.Getenv("RUN_MODE")),
		ReadHeaderTimeout: 2 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("serve")
	}
}
