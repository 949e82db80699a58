package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	anetserver "github.com/andrei-cloud/anet/server"
	"github.com/andrei-cloud/procmacro/internal/errorcodes"
	"github.com/andrei-cloud/procmacro/internal/logging"
	"github.com/andrei-cloud/procmacro/internal/plugins"
	"github.com/andrei-cloud/procmacro/pkg/macro"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// Protocol commands. Every response carries the next command code followed by a two-character error code.
const (
	CmdExpand      = "EX"
	CmdAuxData     = "AD"
	CmdListPlugins = "LA"
)

// logAdapter implements anet.Logger using zerolog.
type logAdapter struct{}

func (l logAdapter) Print(v ...any) {
	log.Info().Msg(fmt.Sprint(v...))
}

func (l logAdapter) Printf(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func (l logAdapter) Infof(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func (l logAdapter) Warnf(format string, v ...any) {
	log.Warn().Msgf(format, v...)
}

func (l logAdapter) Errorf(format string, v ...any) {
	log.Error().Msgf(format, v...)
}

// ExpandRequest is the payload of EX.
type ExpandRequest struct {
	Attribute   string `json:"attribute"    validate:"required"`
	TokenStream string `json:"token_stream"`
}

// Diagnostic is a diagnostic in an expand response.
type Diagnostic struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// ExpandResponse is the payload of a successful EX response.
type ExpandResponse struct {
	Kind        string       `json:"kind"`
	TokenStream string       `json:"token_stream"`
	AuxData     []byte       `json:"aux_data,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// AuxDataRequest is the payload of AD.
type AuxDataRequest struct {
	Package string   `json:"package"  validate:"required"`
	AuxData [][]byte `json:"aux_data"`
}

// NewExpandResponse converts a macro result to its response form.
func NewExpandResponse(res macro.Result) ExpandResponse {
	resp := ExpandResponse{
		Kind:        res.Kind.String(),
		TokenStream: res.TokenStream.String(),
	}
	if res.AuxData != nil {
		resp.AuxData = res.AuxData.Bytes()
	}
	for _, d := range res.Diagnostics {
		resp.Diagnostics = append(resp.Diagnostics, Diagnostic{
			Severity: d.Severity.String(),
			Message:  d.Message,
		})
	}

	return resp
}

// Server wraps the anet TCP server and routes commands to the plugin manager.
type Server struct {
	//nolint:containedctx // Base context for plugin calls made on behalf of connections.
	ctx                 context.Context
	address             string
	srv                 *anetserver.Server
	pluginManagerHolder atomic.Value // stores plugins.PluginManagerInterface
	activeConns         int32
}

// managerBox keeps the stored dynamic type stable for atomic.Value.
type managerBox struct {
	pm plugins.PluginManagerInterface
}

// NewServer configures and returns the expansion server.
func NewServer(ctx context.Context, address string, pm plugins.PluginManagerInterface) (*Server, error) {
	cfg := &anetserver.ServerConfig{
		MaxConns:        100,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     0 * time.Second, // disable idle connection closure.
		ShutdownTimeout: 5 * time.Second,
		Logger:          logAdapter{},
	}

	s := &Server{
		ctx:     ctx,
		address: address,
	}
	s.pluginManagerHolder.Store(managerBox{pm: pm})
	handler := anetserver.HandlerFunc(s.handle)
	srv, err := anetserver.NewServer(address, handler, cfg)
	if err != nil {
		return nil, fmt.Errorf("server setup failed: %w", err)
	}
	s.srv = srv

	return s, nil
}

// Start begins listening for connections. It blocks until the server stops.
func (s *Server) Start() error {
	log.Info().Str("address", s.address).Msg("server started")
	return s.srv.Start()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	return s.srv.Stop()
}

// PluginManager returns the manager currently serving requests.
func (s *Server) PluginManager() plugins.PluginManagerInterface {
	return s.pluginManagerHolder.Load().(managerBox).pm
}

// SetPluginManager swaps in a new plugin manager atomically and closes the old one.
// Calls already inside a plugin complete before their instance is closed, but a request
// that picked up the old manager and has not reached an instance yet may fail.
func (s *Server) SetPluginManager(newPM plugins.PluginManagerInterface) {
	old := s.pluginManagerHolder.Swap(managerBox{pm: newPM}).(managerBox)
	if old.pm == nil {
		return
	}

	if err := old.pm.Close(s.ctx); err != nil {
		log.Error().Err(err).Msg("failed to close old plugin manager")
	}
}

// incrementCode returns the next command code by incrementing the second character.
func incrementCode(cmd string) string {
	b := []byte(cmd)
	if len(b) < 2 {
		return cmd
	}
	if b[1] == 'Z' {
		b[1] = 'A'
	} else {
		b[1]++
	}

	return string(b)
}

// errorCode maps a plugin manager error to a protocol error.
func errorCode(err error) errorcodes.ProtocolError {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr), errors.Is(err, errMalformed):
		return errorcodes.Err15
	case errors.Is(err, plugins.ErrUnknownAttribute), errors.Is(err, plugins.ErrUnknownPackage):
		return errorcodes.Err30
	default:
		return errorcodes.Err41
	}
}

var (
	errMalformed = errors.New("malformed request")
	validate     = validator.New()
)

// decodeRequest unmarshals payload into req and checks its required fields.
func decodeRequest(payload []byte, req any) error {
	if err := json.Unmarshal(payload, req); err != nil {
		return err
	}
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %w", errMalformed, err)
	}

	return nil
}

func (s *Server) handle(conn *anetserver.ServerConn, data []byte) ([]byte, error) {
	client := conn.Conn.RemoteAddr().String()
	active := atomic.AddInt32(&s.activeConns, 1)
	defer atomic.AddInt32(&s.activeConns, -1)

	start := time.Now()
	if len(data) < 2 {
		log.Error().Str("client_ip", client).Msg("malformed request")
		return nil, errMalformed
	}

	cmd := string(data[:2])
	payload := data[2:]
	logging.LogRequest(client, cmd, data, int(active))

	pm := s.PluginManager()

	var (
		body    []byte
		execErr error
	)
	switch cmd {
	case CmdExpand:
		body, execErr = s.expand(pm, payload)
	case CmdAuxData:
		execErr = s.auxData(pm, payload)
	case CmdListPlugins:
		body, execErr = json.Marshal(pm.ListPlugins())
	default:
		log.Warn().
			Str("event", "unknown_command").
			Str("client_ip", client).
			Str("command", cmd).
			Msg("command not recognized, responding with error code")

		return s.respond(client, cmd, errorcodes.Err68, nil, int(active), start), nil
	}

	if execErr != nil {
		code := errorCode(execErr)
		log.Error().
			Err(execErr).
			Str("event", "command_failed").
			Str("client_ip", client).
			Str("command", cmd).
			Str("error_code", code.CodeOnly()).
			Msg("command failed")

		return s.respond(client, cmd, code, nil, int(active), start), nil
	}

	return s.respond(client, cmd, errorcodes.Err00, body, int(active), start), nil
}

func (s *Server) respond(
	client, cmd string,
	code errorcodes.ProtocolError,
	body []byte,
	active int,
	start time.Time,
) []byte {
	respCmd := incrementCode(cmd)
	resp := make([]byte, 0, 4+len(body))
	resp = append(resp, respCmd...)
	resp = append(resp, code.CodeOnly()...)
	resp = append(resp, body...)

	logging.LogResponse(client, cmd, respCmd, code.CodeOnly(), active, time.Since(start))

	return resp
}

func (s *Server) expand(pm plugins.PluginManagerInterface, payload []byte) ([]byte, error) {
	var req ExpandRequest
	if err := decodeRequest(payload, &req); err != nil {
		return nil, err
	}

	res, err := pm.Expand(s.ctx, req.Attribute, macro.NewTokenStream(req.TokenStream))
	if err != nil {
		return nil, err
	}

	return json.Marshal(NewExpandResponse(res))
}

func (s *Server) auxData(pm plugins.PluginManagerInterface, payload []byte) error {
	var req AuxDataRequest
	if err := decodeRequest(payload, &req); err != nil {
		return err
	}

	items := make([]macro.AuxData, 0, len(req.AuxData))
	for _, b := range req.AuxData {
		items = append(items, macro.NewAuxData(b))
	}

	return pm.PropagateAuxData(s.ctx, req.Package, items)
}
