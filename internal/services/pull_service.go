package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/benmeehan/pulselink/internal/hub"
	"github.com/benmeehan/pulselink/internal/models"
	"github.com/benmeehan/pulselink/pkg/localization"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// TelemetrySource is the read side of the telemetry hub.
type TelemetrySource interface {
	CurrentBPM() int
	State() models.ConnectionState
	SubscribeSamples(buffer int) *hub.Subscription[models.HeartRateSample]
}

// Controller accepts the user commands exposed over HTTP.
type Controller interface {
	StartScan() error
	Connect(deviceID string) error
	Disconnect() error
	Devices() []models.DeviceDescriptor
}

// PullConfig configures the HTTP listeners and the viewer.
type PullConfig struct {
	Host          string // all interfaces when empty
	Port          int
	FallbackHost  string // loopback when empty
	FallbackPort  int    // 0 disables the fallback listener
	PollInterval  time.Duration
	EnableControl bool

	ShutdownTimeout time.Duration // bound on draining in-flight requests

	UserID    string // reported by /api/status
	ViewerURL string // reported by /api/status
	ShareURL  string // reported by /api/status
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	State      string                  `json:"state"`
	Device     models.DeviceDescriptor `json:"device"`
	Reason     string                  `json:"reason,omitempty"`
	Detail     string                  `json:"detail,omitempty"`
	StatusText string                  `json:"status_text"`
	BPM        int                     `json:"bpm"`
	UserID     string                  `json:"user_id,omitempty"`
	ViewerURL  string                  `json:"viewer_url,omitempty"`
	ShareURL   string                  `json:"share_url,omitempty"`
}

type viewerPage struct {
	Lang           string
	Title          string
	Label          string
	Waiting        string
	Live           string
	Disconnected   string
	PollIntervalMS int64
}

var viewerTemplate = template.Must(template.New("viewer").Parse(viewerHTML))

// PullService serves the latest bpm over HTTP. Handlers only read the hub
// cache and never wait on the radio or the broker.
type PullService struct {
	Config     PullConfig
	Source     TelemetrySource
	Controller Controller // nil disables the control endpoints
	Catalog    *localization.Catalog
	Logger     zerolog.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	addrs    []net.Addr

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPullService initializes a new PullService.
func NewPullService(config PullConfig, source TelemetrySource, controller Controller,
	catalog *localization.Catalog, logger zerolog.Logger) *PullService {

	if config.Host == "" {
		config.Host = "::"
	}
	if config.FallbackHost == "" {
		config.FallbackHost = "127.0.0.1"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 3 * time.Second
	}
	return &PullService{
		Config:     config,
		Source:     source,
		Controller: controller,
		Catalog:    catalog,
		Logger:     logger.With().Str("component", "pull").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the request router.
func (p *PullService) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/bpm", p.handleBPM)
	mux.HandleFunc("/api/status", p.handleStatus)
	if p.Config.EnableControl && p.Controller != nil {
		mux.HandleFunc("/api/devices", p.handleDevices)
		mux.HandleFunc("/api/scan", p.handleScan)
		mux.HandleFunc("/api/connect", p.handleConnect)
		mux.HandleFunc("/api/disconnect", p.handleDisconnect)
	}
	mux.HandleFunc("/ws", p.handleWebSocket)
	mux.HandleFunc("/", p.handleViewer)
	return mux
}

// Start binds the listeners and serves them in the background. It fails only
// when no listener could be bound.
func (p *PullService) Start() error {
	if p.ctx != nil {
		p.Logger.Warn().Msg("PullService is already running")
		return errors.New("pull service is already running")
	}

	listeners, err := p.listen()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.ctx, p.cancel = ctx, cancel
	p.server = &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	p.addrs = p.addrs[:0]
	for _, ln := range listeners {
		p.addrs = append(p.addrs, ln.Addr())
		p.wg.Add(1)
		go func(ln net.Listener) {
			defer p.wg.Done()
			if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.Logger.Error().Err(err).Str("addr", ln.Addr().String()).Msg("HTTP listener stopped")
			}
		}(ln)
		p.Logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP listener bound")
	}

	p.Logger.Info().Msg("PullService started successfully")
	return nil
}

func (p *PullService) listen() ([]net.Listener, error) {
	addrs := []string{net.JoinHostPort(p.Config.Host, strconv.Itoa(p.Config.Port))}
	if p.Config.FallbackPort != 0 {
		addrs = append(addrs, net.JoinHostPort(p.Config.FallbackHost, strconv.Itoa(p.Config.FallbackPort)))
	}

	var listeners []net.Listener
	var errs []error
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			p.Logger.Warn().Err(err).Str("addr", addr).Msg("Failed to bind HTTP listener")
			errs = append(errs, fmt.Errorf("listen %s: %w", addr, err))
			continue
		}
		listeners = append(listeners, ln)
	}
	if len(listeners) == 0 {
		return nil, errors.Join(errs...)
	}
	return listeners, nil
}

// Addrs returns the bound listener addresses.
func (p *PullService) Addrs() []net.Addr {
	return p.addrs
}

// Stop closes the listeners and live sockets, waiting at most
// ShutdownTimeout for in-flight requests.
func (p *PullService) Stop() error {
	if p.ctx == nil {
		p.Logger.Warn().Msg("PullService is not running")
		return errors.New("pull service is not running")
	}

	p.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), p.Config.ShutdownTimeout)
	defer cancel()
	err := p.server.Shutdown(ctx)
	if err != nil {
		_ = p.server.Close()
	}
	p.wg.Wait()

	p.ctx = nil
	p.cancel = nil
	if err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	p.Logger.Info().Msg("PullService stopped successfully")
	return nil
}

func (p *PullService) handleBPM(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, models.BPMResponse{BPM: p.Source.CurrentBPM()})
}

func (p *PullService) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state := p.Source.State()
	writeJSON(w, http.StatusOK, StatusResponse{
		State:      string(state.Phase),
		Device:     state.Device,
		Reason:     string(state.Reason),
		Detail:     state.Detail,
		StatusText: StateText(p.Catalog, state),
		BPM:        p.Source.CurrentBPM(),
		UserID:     p.Config.UserID,
		ViewerURL:  p.Config.ViewerURL,
		ShareURL:   p.Config.ShareURL,
	})
}

func (p *PullService) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	devices := p.Controller.Devices()
	if devices == nil {
		devices = []models.DeviceDescriptor{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (p *PullService) handleScan(w http.ResponseWriter, r *http.Request) {
	p.command(w, r, p.Controller.StartScan)
}

func (p *PullService) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" && r.Method == http.MethodPost {
		http.Error(w, "Missing device id", http.StatusBadRequest)
		return
	}
	p.command(w, r, func() error { return p.Controller.Connect(id) })
}

func (p *PullService) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	p.command(w, r, p.Controller.Disconnect)
}

// command runs a non-blocking state machine command. The outcome is observed
// on /api/status.
func (p *PullService) command(w http.ResponseWriter, r *http.Request, run func() error) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := run(); err != nil {
		p.Logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Command rejected")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleWebSocket streams every sample to the client as a data message.
func (p *PullService) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sub := p.Source.SubscribeSamples(hub.DefaultSubscriberBuffer)
	defer sub.Close()

	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.Logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// The client never sends; reading detects the close frame.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteTimeout))
			return
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case sample, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(models.NewDataMessage(sample)); err != nil {
				p.Logger.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

func (p *PullService) handleViewer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	page := viewerPage{
		Lang:           p.Catalog.Language(),
		Title:          p.Catalog.Text(localization.KeyWebTitle),
		Label:          p.Catalog.Text(localization.KeyWebLabelBpm),
		Waiting:        p.Catalog.Text(localization.KeyWebStatusWaitingForData),
		Live:           p.Catalog.Text(localization.KeyWebStatusLiveSignalActive),
		Disconnected:   p.Catalog.Text(localization.KeyWebStatusDisconnected),
		PollIntervalMS: p.Config.PollInterval.Milliseconds(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := viewerTemplate.Execute(w, page); err != nil {
		p.Logger.Error().Err(err).Msg("Failed to render viewer")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

const viewerHTML = `<!DOCTYPE html>
<html lang="{{.Lang}}">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        body { background: #111; color: #00FF41; font-family: system-ui, sans-serif; display: flex; flex-direction: column; align-items: center; justify-content: center; height: 100vh; margin: 0; }
        #bpm { font-size: 15vmin; font-weight: bold; text-shadow: 0 0 20px #00FF41; }
        #label { font-size: 4vmin; opacity: 0.7; }
        #status { font-size: 3vmin; opacity: 0.5; margin-top: 2vmin; }
        .pump { animation: beat 0.5s infinite alternate; }
        .changed { color: #fff; }
        @keyframes beat { from { transform: scale(1); } to { transform: scale(1.05); } }
    </style>
</head>
<body>
    <div id="bpm">--</div>
    <div id="label">{{.Label}}</div>
    <div id="status">{{.Waiting}}</div>
    <script>
        const bpmElement = document.getElementById('bpm');
        const statusElement = document.getElementById('status');
        const text = { waiting: {{.Waiting}}, live: {{.Live}}, disconnected: {{.Disconnected}} };
        let last = 0;
        async function fetchBpm() {
            try {
                const response = await fetch('/api/bpm', { cache: 'no-store' });
                if (!response.ok) throw new Error('Network response was not ok');
                const bpm = (await response.json()).bpm;

                bpmElement.textContent = bpm > 0 ? bpm : '--';
                bpmElement.classList.toggle('changed', bpm !== last && bpm > 0);
                last = bpm;
                if (bpm > 0) {
                    bpmElement.classList.add('pump');
                    bpmElement.style.animationDuration = (60 / bpm) + 's';
                    statusElement.textContent = text.live;
                } else {
                    bpmElement.classList.remove('pump');
                    statusElement.textContent = text.waiting;
                }
            } catch (error) {
                bpmElement.textContent = '--';
                bpmElement.classList.remove('pump');
                statusElement.textContent = text.disconnected;
            }
        }
        setInterval(fetchBpm, {{.PollIntervalMS}});
        fetchBpm();
    </script>
</body>
</html>
`
