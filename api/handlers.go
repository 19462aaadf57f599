package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/hubertat/swout"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type outputRequest struct {
	Name string          `json:"name"`
	Pin  json.RawMessage `json:"pin"`
}

// validate checks presence and type of the fields. Pin range and uniqueness
// are left to the registry.
func (req outputRequest) validate() (name string, pin int, errs map[string]interface{}) {
	errs = map[string]interface{}{}

	name = strings.TrimSpace(req.Name)
	if len(name) == 0 {
		errs["name"] = []string{"The name field is required."}
	}

	raw := strings.TrimSpace(string(req.Pin))
	switch {
	case len(raw) == 0 || raw == "null" || raw == `""`:
		errs["pin"] = []string{"The pin field is required."}
	default:
		var err error
		if pin, err = parsePin(req.Pin); err != nil {
			errs["pin"] = []string{"The pin must be an integer."}
		}
	}
	return
}

// parsePin accepts a json integer or a string holding one.
func parsePin(raw json.RawMessage) (int, error) {
	var pin int
	if err := json.Unmarshal(raw, &pin); err == nil {
		return pin, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(text))
}

func outputId(p httprouter.Params) (uint64, error) {
	return strconv.ParseUint(p.ByName("id"), 10, 64)
}

// failWith maps registry errors to status codes.
func (s *Server) failWith(w http.ResponseWriter, err error, output *swout.Output) {
	var data interface{}
	if output != nil {
		data = output
	}

	switch {
	case errors.Is(err, swout.ErrInvalidArgument):
		fail(w, http.StatusUnprocessableEntity, "The given data was invalid.", map[string]interface{}{"output": []string{err.Error()}}, nil)
	case errors.Is(err, swout.ErrConflict):
		fail(w, http.StatusConflict, "The given data was invalid.", map[string]interface{}{"pin": []string{"The pin has already been taken."}}, nil)
	case errors.Is(err, swout.ErrNotFound):
		fail(w, http.StatusNotFound, "Output not found", map[string]interface{}{"output": "Output not found"}, nil)
	case errors.Is(err, swout.ErrHardwareFault):
		fail(w, http.StatusServiceUnavailable, "Hardware fault", map[string]interface{}{"hardware": err.Error()}, data)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		fail(w, http.StatusServiceUnavailable, "Output busy", map[string]interface{}{"output": err.Error()}, nil)
	default:
		s.logger.Error("request failed", "err", err)
		fail(w, http.StatusInternalServerError, "Server error", map[string]interface{}{"server": err.Error()}, nil)
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	creds := credentialsRequest{}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON", map[string]interface{}{"body": err.Error()}, nil)
		return
	}

	errs := map[string]interface{}{}
	if len(creds.Username) == 0 {
		errs["username"] = []string{"The username field is required."}
	}
	if len(creds.Password) == 0 {
		errs["password"] = []string{"The password field is required."}
	}
	if len(errs) > 0 {
		fail(w, http.StatusUnprocessableEntity, "The given data was invalid.", errs, nil)
		return
	}

	if err := s.auth.Authenticate(creds.Username, creds.Password); err != nil {
		s.logger.Warn("rejected credentials", "username", creds.Username)
		fail(w, http.StatusUnauthorized, "Invalid credentials.", map[string]interface{}{"authentication": "Invalid credentials."}, nil)
		return
	}

	token, _, err := s.tokens.Issue(creds.Username)
	if err != nil {
		s.failWith(w, err, nil)
		return
	}
	s.logger.Info("token issued", "username", creds.Username)
	respond(w, http.StatusOK, "User verified.", map[string]string{"accessToken": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.tokens.Revoke(bearerToken(r))
	respond(w, http.StatusOK, "Logged out.", nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	respond(w, http.StatusOK, "ok", nil)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	respond(w, http.StatusOK, "All results fetched", s.outputs.List())
}

func (s *Server) decodeOutput(w http.ResponseWriter, r *http.Request) (name string, pin int, ok bool) {
	req := outputRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "Invalid JSON", map[string]interface{}{"body": err.Error()}, nil)
		return
	}

	name, pin, errs := req.validate()
	if len(errs) > 0 {
		fail(w, http.StatusUnprocessableEntity, "The given data was invalid.", errs, nil)
		return
	}
	return name, pin, true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	name, pin, ok := s.decodeOutput(w, r)
	if !ok {
		return
	}

	output, err := s.outputs.Create(r.Context(), name, pin)
	if err != nil {
		s.failWith(w, err, nil)
		return
	}
	respond(w, http.StatusCreated, "Output created", output)
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id, err := outputId(p)
	if err != nil {
		s.failWith(w, swout.ErrNotFound, nil)
		return
	}

	output, err := s.outputs.Get(id)
	if err != nil {
		s.failWith(w, err, nil)
		return
	}
	respond(w, http.StatusOK, "Result fetched", output)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id, err := outputId(p)
	if err != nil {
		s.failWith(w, swout.ErrNotFound, nil)
		return
	}

	name, pin, ok := s.decodeOutput(w, r)
	if !ok {
		return
	}

	output, err := s.outputs.Update(r.Context(), id, name, pin)
	if err != nil {
		s.failWith(w, err, nil)
		return
	}
	respond(w, http.StatusOK, "Output updated", output)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id, err := outputId(p)
	if err != nil {
		s.failWith(w, swout.ErrNotFound, nil)
		return
	}

	if err = s.outputs.Delete(r.Context(), id); err != nil {
		s.failWith(w, err, nil)
		return
	}
	respond(w, http.StatusOK, "Output deleted", nil)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	s.handleSwitch(w, r, p, true)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	s.handleSwitch(w, r, p, false)
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request, p httprouter.Params, on bool) {
	id, err := outputId(p)
	if err != nil {
		s.failWith(w, swout.ErrNotFound, nil)
		return
	}

	var output swout.Output
	message := "Output disabled"
	if on {
		output, err = s.outputs.Enable(r.Context(), id)
		message = "Output enabled"
	} else {
		output, err = s.outputs.Disable(r.Context(), id)
	}

	if err != nil {
		if output.Id != 0 {
			s.failWith(w, err, &output)
		} else {
			s.failWith(w, err, nil)
		}
		return
	}
	respond(w, http.StatusOK, message, output)
}
