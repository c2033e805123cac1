package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yaotthaha/nlset/adapter"
	"github.com/yaotthaha/nlset/constant"
	"github.com/yaotthaha/nlset/lib/tools"
	"github.com/yaotthaha/nlset/log"
	"github.com/yaotthaha/nlset/option"

	"github.com/fatih/color"
	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"
)

var (
	_ adapter.Starter = (*APIServer)(nil)
	_ adapter.Closer  = (*APIServer)(nil)
)

type APIServer struct {
	ctx        context.Context
	fatalClose func(error)
	logger     log.Logger
	debug      bool
	secret     string
	maxConns   int
	listen     netip.AddrPort
	backends   map[constant.BackendType]*Backend
	chiMux     *chi.Mux
	httpServer *http.Server
}

func NewAPIServer(ctx context.Context, logger log.Logger, options option.APIOptions, backends map[constant.BackendType]*Backend) (*APIServer, error) {
	a := &APIServer{
		ctx:      ctx,
		logger:   log.NewTagLogger(logger, "api server"),
		backends: backends,
	}
	if clogger, isSetColorLogger := a.logger.(log.SetColorLogger); isSetColorLogger {
		clogger.SetColor(color.FgYellow)
	}
	a.secret = options.Secret
	a.debug = options.Debug
	a.maxConns = options.MaxConns
	a.chiMux = chi.NewMux()
	a.chiMux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	a.initRoutes()
	if options.Listen == "" {
		return a, nil
	}
	listenAddr, err := netip.ParseAddrPort(options.Listen)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address: %s", err)
	}
	a.listen = listenAddr
	a.httpServer = &http.Server{
		Addr:    listenAddr.String(),
		Handler: a.chiMux,
	}
	return a, nil
}

func (a *APIServer) WithFatalCloser(f func(error)) {
	a.fatalClose = f
}

func (a *APIServer) Handler() http.Handler {
	return a.chiMux
}

func (a *APIServer) Start() error {
	if a.httpServer == nil {
		return nil
	}
	listener, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return err
	}
	if a.maxConns > 0 {
		listener = netutil.LimitListener(listener, a.maxConns)
	}
	go func() {
		err := a.httpServer.Serve(listener)
		if err != nil && err != http.ErrServerClosed && !tools.IsCloseOrCanceled(err) {
			if a.fatalClose != nil {
				a.fatalClose(fmt.Errorf("failed to serve API: %s", err))
			}
			a.logger.Error(fmt.Sprintf("failed to serve API: %s", err))
		}
	}()
	a.logger.Info(fmt.Sprintf("API server started at %s", listener.Addr()))
	return nil
}

func (a *APIServer) Close() error {
	if a.httpServer != nil {
		err := a.httpServer.Close()
		if err != nil {
			return err
		}
		a.logger.Info("api server close")
	}
	return nil
}

func (a *APIServer) initRoutes() {
	a.chiMux.Route("/", func(r chi.Router) {
		if a.debug {
			initGoDebugHTTPHandler(a.chiMux)
		}
		if a.secret != "" {
			r.Use(a.auth)
		}
		if backend := a.backends[constant.BackendIPSet]; backend != nil {
			r.Route("/ipset/sets/{set}", func(r chi.Router) {
				a.setRoutes(r, backend, func(r *http.Request) adapter.SetRef {
					return adapter.SetRef{Name: chi.URLParam(r, "set")}
				})
			})
		}
		if backend := a.backends[constant.BackendNFTables]; backend != nil {
			r.Route("/nftables/{family}/tables", func(r chi.Router) {
				r.Get("/", func(w http.ResponseWriter, r *http.Request) {
					names, err := backend.ListTables(r.Context(), chi.URLParam(r, "family"))
					if err != nil {
						a.writeError(w, err)
						return
					}
					if names == nil {
						names = []string{}
					}
					writeJSON(w, http.StatusOK, names)
				})
				r.Route("/{table}", func(r chi.Router) {
					r.Put("/", func(w http.ResponseWriter, r *http.Request) {
						a.writeResult(w, backend.CreateTable(r.Context(), chi.URLParam(r, "family"), chi.URLParam(r, "table")))
					})
					r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
						a.writeResult(w, backend.DeleteTable(r.Context(), chi.URLParam(r, "family"), chi.URLParam(r, "table")))
					})
					r.Route("/sets/{set}", func(r chi.Router) {
						a.setRoutes(r, backend, func(r *http.Request) adapter.SetRef {
							return adapter.SetRef{
								Family: chi.URLParam(r, "family"),
								Table:  chi.URLParam(r, "table"),
								Name:   chi.URLParam(r, "set"),
							}
						})
					})
				})
			})
		}
	})
}

var upgrader = websocket.Upgrader{}

type entryInfo struct {
	Entry   string `json:"entry"`
	Timeout uint64 `json:"timeout,omitempty"`
}

func entryInfos(entries []adapter.IPEntry) []entryInfo {
	infos := make([]entryInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, entryInfo{
			Entry:   entry.Prefix().String(),
			Timeout: uint64(entry.Timeout() / time.Second),
		})
	}
	return infos
}

func (a *APIServer) setRoutes(r chi.Router, backend *Backend, setRef func(r *http.Request) adapter.SetRef) {
	r.Put("/", func(w http.ResponseWriter, r *http.Request) {
		options, err := parseCreateOptions(r)
		if err != nil {
			a.writeError(w, adapter.WrapError(adapter.KindMalformed, "create", err))
			return
		}
		a.writeResult(w, backend.Create(r.Context(), setRef(r), options))
	})
	r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
		a.writeResult(w, backend.Destroy(r.Context(), setRef(r)))
	})
	r.Post("/rename", func(w http.ResponseWriter, r *http.Request) {
		to := r.URL.Query().Get("to")
		if to == "" {
			a.writeError(w, adapter.NewError(adapter.KindMalformed, "rename", "missing target name"))
			return
		}
		a.writeResult(w, backend.Rename(r.Context(), setRef(r), to))
	})
	r.Post("/swap", func(w http.ResponseWriter, r *http.Request) {
		with := r.URL.Query().Get("with")
		if with == "" {
			a.writeError(w, adapter.NewError(adapter.KindMalformed, "swap", "missing set to swap with"))
			return
		}
		set := setRef(r)
		other := set
		other.Name = with
		a.writeResult(w, backend.Swap(r.Context(), set, other))
	})
	r.Route("/entries", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			entries, err := backend.List(r.Context(), setRef(r))
			if err != nil {
				a.writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, entryInfos(entries))
		})
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			entry, err := parseEntry(r)
			if err != nil {
				a.writeError(w, err)
				return
			}
			a.writeResult(w, backend.Add(r.Context(), setRef(r), entry))
		})
		r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
			a.writeResult(w, backend.Flush(r.Context(), setRef(r)))
		})
		r.Delete("/del", func(w http.ResponseWriter, r *http.Request) {
			entry, err := parseEntry(r)
			if err != nil {
				a.writeError(w, err)
				return
			}
			a.writeResult(w, backend.Del(r.Context(), setRef(r), entry))
		})
		r.Get("/test", func(w http.ResponseWriter, r *http.Request) {
			entry, err := parseEntry(r)
			if err != nil {
				a.writeError(w, err)
				return
			}
			found, err := backend.Test(r.Context(), setRef(r), entry)
			if err != nil {
				a.writeError(w, err)
				return
			}
			if !found {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Mount("/watch", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a.watch(w, r, backend, setRef(r))
		}))
	})
}

// watch pushes the entry list of a set every few seconds until the client
// goes away.
func (a *APIServer) watch(w http.ResponseWriter, r *http.Request, backend *Backend, set adapter.SetRef) {
	respHeader := http.Header{}
	respHeader.Set("Content-Type", "application/json")
	wsConn, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		return
	}
	isClosed := atomic.Bool{}
	defer func() {
		isClosed.Store(true)
		wsConn.Close()
	}()
	sleepTime := 1 * time.Second
	if sleepSecond := r.URL.Query().Get("seconds"); sleepSecond != "" {
		sleepSecondUint, err := strconv.ParseUint(sleepSecond, 10, 64)
		if err == nil && sleepSecondUint > 0 {
			sleepTime = time.Duration(sleepSecondUint) * time.Second
		}
	}
	go func() {
		for {
			if isClosed.Load() {
				return
			}
			_, _, err := wsConn.ReadMessage()
			if err != nil {
				isClosed.Store(true)
				return
			}
		}
	}()
	ticker := time.NewTicker(sleepTime)
	defer ticker.Stop()
	for {
		entries, err := backend.List(r.Context(), set)
		if err != nil {
			a.logger.Debug(fmt.Sprintf("watch %s fail: %s", set, err))
			wsConn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()), time.Now().Add(5*time.Second))
			return
		}
		wsConn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err = wsConn.WriteJSON(entryInfos(entries))
		if err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		case <-a.ctx.Done():
			return
		}
		if isClosed.Load() {
			return
		}
	}
}

func parseCreateOptions(r *http.Request) (adapter.CreateOptions, error) {
	var options adapter.CreateOptions
	query := r.URL.Query()
	if s := query.Get("family"); s != "" {
		family, err := adapter.ParseFamily(s)
		if err != nil {
			return options, err
		}
		options.Family = family
	}
	if s := query.Get("network"); s != "" {
		network, err := strconv.ParseBool(s)
		if err != nil {
			return options, fmt.Errorf("invalid network: %s", s)
		}
		options.Network = network
	}
	if s := query.Get("timeout"); s != "" {
		timeout, err := time.ParseDuration(s)
		if err != nil {
			return options, fmt.Errorf("invalid timeout: %s", s)
		}
		options.Timeout = timeout
	}
	if s := query.Get("hashsize"); s != "" {
		hashSize, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return options, fmt.Errorf("invalid hashsize: %s", s)
		}
		options.HashSize = uint32(hashSize)
	}
	if s := query.Get("maxelem"); s != "" {
		maxElem, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return options, fmt.Errorf("invalid maxelem: %s", s)
		}
		options.MaxElem = uint32(maxElem)
	}
	return options, nil
}

func parseEntry(r *http.Request) (adapter.IPEntry, error) {
	query := r.URL.Query()
	entry, err := adapter.ParseEntry(query.Get("entry"))
	if err != nil {
		return adapter.IPEntry{}, adapter.WrapError(adapter.KindMalformed, "parse entry", err)
	}
	if s := query.Get("timeout"); s != "" {
		timeout, err := time.ParseDuration(s)
		if err != nil {
			return adapter.IPEntry{}, adapter.NewError(adapter.KindMalformed, "parse entry", "invalid timeout: %s", s)
		}
		entry = entry.WithTimeout(timeout)
	}
	return entry, nil
}

type errorInfo struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func statusOf(kind adapter.ErrorKind) int {
	switch kind {
	case adapter.KindNotFound:
		return http.StatusNotFound
	case adapter.KindAlreadyExists:
		return http.StatusConflict
	case adapter.KindFamilyMismatch, adapter.KindMalformed:
		return http.StatusBadRequest
	case adapter.KindUnsupported:
		return http.StatusNotImplemented
	case adapter.KindTimeout:
		return http.StatusGatewayTimeout
	case adapter.KindPermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (a *APIServer) writeError(w http.ResponseWriter, err error) {
	kind := adapter.GetKind(err)
	status := statusOf(kind)
	if status == http.StatusInternalServerError {
		a.logger.Error(err.Error())
	}
	writeJSON(w, status, errorInfo{Kind: kind.String(), Error: err.Error()})
}

func (a *APIServer) writeResult(w http.ResponseWriter, err error) {
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(raw)
}

func (a *APIServer) auth(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		bearer, token, ok := strings.Cut(authHeader, " ")
		if !ok || bearer != "Bearer" || token != a.secret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func initGoDebugHTTPHandler(r *chi.Mux) {
	r.Route("/debug", func(r chi.Router) {
		r.Get("/gc", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
			go debug.FreeOSMemory()
		})
		r.HandleFunc("/pprof", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/debug/pprof/", http.StatusMovedPermanently)
		})
		r.HandleFunc("/pprof/*", pprof.Index)
		r.HandleFunc("/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/pprof/profile", pprof.Profile)
		r.HandleFunc("/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/pprof/trace", pprof.Trace)
	})
}
