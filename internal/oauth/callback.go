package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// CallbackResult carries the query parameters of an OAuth redirect.
type CallbackResult struct {
	Code  string
	State string
	// Error is the provider's error parameter, or a local reason such as "no_code".
	Error string
}

// CallbackServer is a loopback HTTP server that captures a single OAuth redirect.
type CallbackServer struct {
	server   *http.Server
	listener net.Listener
	resultCh chan *CallbackResult
	errorCh  chan error

	mu      sync.Mutex
	running bool
}

// StartCallbackServer listens on 127.0.0.1:port. Port 0 picks a free port.
func StartCallbackServer(port int) (*CallbackServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen for oauth callback: %w", err)
	}
	s := &CallbackServer{
		listener: listener,
		resultCh: make(chan *CallbackResult, 1),
		errorCh:  make(chan error, 1),
		running:  true,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)
	mux.HandleFunc("/success", s.handleSuccess)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		if errServe := s.server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			select {
			case s.errorCh <- fmt.Errorf("oauth callback server: %w", errServe):
			default:
			}
		}
	}()
	return s, nil
}

// Port returns the bound port.
func (s *CallbackServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// RedirectURL is the URL providers should redirect to.
func (s *CallbackServer) RedirectURL() string {
	return fmt.Sprintf("http://localhost:%d/callback", s.Port())
}

// WaitForCallback blocks until a redirect arrives, the server fails, or ctx is done.
func (s *CallbackServer) WaitForCallback(ctx context.Context) (*CallbackResult, error) {
	select {
	case result := <-s.resultCh:
		return result, nil
	case err := <-s.errorCh:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for oauth callback: %w", ctx.Err())
	}
}

// Stop shuts the server down.
func (s *CallbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	result := &CallbackResult{
		Code:  query.Get("code"),
		State: query.Get("state"),
		Error: query.Get("error"),
	}
	switch {
	case result.Error != "":
		log.Errorf("oauth error received: %s", result.Error)
	case result.Code == "":
		result.Error = "no_code"
	case result.State == "":
		result.Error = "no_state"
	}
	s.sendResult(result)
	if result.Error != "" {
		http.Error(w, "Authorization failed: "+result.Error, http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, "/success", http.StatusFound)
}

func (s *CallbackServer) handleSuccess(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(successHTML)); err != nil {
		log.Errorf("failed to write success page: %v", err)
	}
}

// sendResult keeps only the first redirect.
func (s *CallbackServer) sendResult(result *CallbackResult) {
	select {
	case s.resultCh <- result:
	default:
		log.Debug("oauth callback already received, ignoring")
	}
}

const successHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Authentication Successful</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; display: flex; justify-content: center; align-items: center; min-height: 100vh; margin: 0; background: #f3f4f6; }
        .container { text-align: center; background: white; padding: 2.5rem; border-radius: 12px; box-shadow: 0 10px 25px rgba(0,0,0,0.1); max-width: 420px; }
        h1 { color: #1f2937; font-size: 1.5rem; }
        p { color: #6b7280; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Authentication Successful</h1>
        <p>You can close this window and return to your terminal.</p>
    </div>
    <script>setTimeout(() => window.close(), 5000);</script>
</body>
</html>`
