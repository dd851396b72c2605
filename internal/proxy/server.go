package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache/internal/config"
)

// Server represents the intercepting proxy server
type Server struct {
	config      *config.Config
	proxy       *goproxy.ProxyHttpServer
	interceptor http.RoundTripper
	certStore   *simpleCertStore
}

// New creates a new proxy server answering every proxied request through interceptor
func New(cfg *config.Config, interceptor http.RoundTripper) (*Server, error) {
	if interceptor == nil {
		return nil, fmt.Errorf("an interceptor is required")
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.Logger = logrus.StandardLogger()
	proxy.Verbose = logrus.IsLevelEnabled(logrus.TraceLevel)

	s := &Server{
		config:      cfg,
		proxy:       proxy,
		interceptor: interceptor,
		certStore:   newCertStore(),
	}
	proxy.CertStore = s.certStore

	if cfg.Server.HTTPS.Enabled {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			return nil, err
		}
	}

	proxy.OnRequest().DoFunc(s.handleRequest)

	return s, nil
}

// GetProxy returns the proxy handler (exported for testing)
func (s *Server) GetProxy() http.Handler {
	return s.proxy
}

func (s *Server) handleRequest(requ *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	resp, err := s.interceptor.RoundTrip(requ)
	if err != nil {
		logrus.Errorf("Interceptor failed for %s: %v", requ.URL, err)
		return requ, goproxy.NewResponse(requ, goproxy.ContentTypeText, http.StatusBadGateway, err.Error())
	}
	return requ, resp
}

// Start serves the proxy until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Server.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the proxy on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.proxy,
		ReadHeaderTimeout: 30 * time.Second,
	}

	if addr := s.config.Server.HTTPS.TransparentAddr; s.config.Server.HTTPS.Enabled && addr != "" {
		go func() {
			if err := s.StartTransparentHTTPS(ctx, addr); err != nil {
				logrus.Errorf("Transparent HTTPS listener stopped: %v", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("Proxy shutdown failed: %v", err)
		}
	}()

	logrus.Infof("Starting intercepting proxy on %s", ln.Addr())
	logrus.Infof("Storage backend: %s", s.config.Storage.Backend)
	logrus.Infof("Rules mode: %s", s.config.Rules.Mode)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
