// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package httpserver serves an http.Handler on a plain and an optional TLS
// listener, with graceful shutdown.
package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/http/requestid"
)

var mon = monkit.Package()

// DefaultShutdownTimeout is used when Config.ShutdownTimeout is zero.
const DefaultShutdownTimeout = 10 * time.Second

// Config holds the HTTP server configuration.
type Config struct {
	// Name is only used for logging. It can be empty.
	Name string

	// Address is the plain HTTP address. It must be set.
	Address string

	// AddressTLS is the HTTPS address, used only when TLSConfig provides a
	// certificate.
	AddressTLS string

	// ProxyProtocol makes both listeners expect PROXY protocol headers, so
	// remote addresses are the clients' rather than the load balancer's.
	ProxyProtocol bool

	// TrafficLogging logs every request and response.
	TrafficLogging bool

	TLSConfig *TLSConfig

	// IdleTimeout is how long keep-alive connections may sit idle.
	IdleTimeout time.Duration

	// ShutdownTimeout bounds how long Shutdown waits for in-flight requests.
	// Negative closes connections immediately.
	ShutdownTimeout time.Duration
}

// TLSConfig points at a PEM certificate and key pair.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// endpoint is one listener and the server serving it.
type endpoint struct {
	scheme   string
	listener net.Listener
	server   *http.Server
}

// Server is the HTTP server.
type Server struct {
	log       *zap.Logger
	endpoints []*endpoint

	shutdownTimeout time.Duration
	shutdownOnce    sync.Once
	shutdownErr     error
}

// New creates a new Server listening on the configured addresses.
func New(log *zap.Logger, handler http.Handler, config Config) (_ *Server, err error) {
	switch {
	case config.Address == "":
		return nil, errs.New("server address is required")
	case handler == nil:
		return nil, errs.New("server handler is required")
	}

	tlsConfig, err := loadTLS(config.TLSConfig)
	if err != nil {
		return nil, err
	}

	if config.Name != "" {
		log = log.With(zap.String("server", config.Name))
	}
	if config.TrafficLogging {
		handler = logTraffic(log, handler)
	}
	handler = requestid.AddToContext(handler)

	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}
	s := &Server{log: log, shutdownTimeout: config.ShutdownTimeout}
	defer func() {
		if err != nil {
			for _, e := range s.endpoints {
				err = errs.Combine(err, e.listener.Close())
			}
		}
	}()

	add := func(scheme, address string, tlsConfig *tls.Config) error {
		listener, err := net.Listen("tcp", address)
		if err != nil {
			return errs.New("unable to listen on %s: %v", address, err)
		}
		if config.ProxyProtocol {
			listener = &proxyproto.Listener{Listener: listener}
		}
		s.endpoints = append(s.endpoints, &endpoint{
			scheme:   scheme,
			listener: listener,
			server: &http.Server{
				Handler:     handler,
				TLSConfig:   tlsConfig,
				IdleTimeout: config.IdleTimeout,
				ErrorLog:    zap.NewStdLog(log),
			},
		})
		return nil
	}

	if err := add("http", config.Address, nil); err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		if err := add("https", config.AddressTLS, tlsConfig); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Run serves every endpoint until ctx is canceled, then shuts down.
func (s *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errgroup.Group

	group.Go(func() error {
		<-ctx.Done()
		return s.Shutdown()
	})

	for _, e := range s.endpoints {
		group.Go(func() error {
			s.log.Info("server started", zap.String("scheme", e.scheme), zap.String("addr", e.listener.Addr().String()))

			var err error
			if e.server.TLSConfig != nil {
				err = e.server.ServeTLS(e.listener, "", "")
			} else {
				err = e.server.Serve(e.listener)
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			s.log.Error("server closed unexpectedly", zap.String("scheme", e.scheme), zap.Error(err))
			return err
		})
	}

	return group.Wait()
}

// Shutdown stops every endpoint, waiting up to the shutdown timeout for
// in-flight requests. Only the first call has an effect.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		var group errgroup.Group
		for _, e := range s.endpoints {
			group.Go(func() error {
				s.log.Info("server shutting down", zap.String("scheme", e.scheme))
				return shutdownWithTimeout(e.server, s.shutdownTimeout)
			})
		}
		s.shutdownErr = group.Wait()
	})
	return s.shutdownErr
}

// Addr returns the plain HTTP address.
func (s *Server) Addr() string {
	return s.addr("http")
}

// AddrTLS returns the HTTPS address, or an empty string if TLS isn't
// configured.
func (s *Server) AddrTLS() string {
	return s.addr("https")
}

func (s *Server) addr(scheme string) string {
	for _, e := range s.endpoints {
		if e.scheme == scheme {
			return e.listener.Addr().String()
		}
	}
	return ""
}

// BaseTLSConfig returns a tls.Config with secure defaults.
func BaseTLSConfig() *tls.Config {
	return &tls.Config{
		NextProtos:             []string{"h2", "http/1.1"},
		MinVersion:             tls.VersionTLS12,
		SessionTicketsDisabled: true,
	}
}

func loadTLS(config *TLSConfig) (*tls.Config, error) {
	if config == nil {
		return nil, nil
	}

	switch {
	case config.CertFile == "" && config.KeyFile == "":
		return nil, nil
	case config.KeyFile == "":
		return nil, errs.New("key file must be provided with cert file")
	case config.CertFile == "":
		return nil, errs.New("cert file must be provided with key file")
	}

	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, errs.New("unable to load server keypair: %v", err)
	}

	tlsConfig := BaseTLSConfig()
	tlsConfig.Certificates = []tls.Certificate{cert}
	return tlsConfig, nil
}

func shutdownWithTimeout(server *http.Server, timeout time.Duration) error {
	if timeout < 0 {
		return server.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return server.Shutdown(ctx)
}
