package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"monconnect/internal/dispatch"
	"monconnect/internal/dispute"
	"monconnect/internal/escrow"
	"monconnect/internal/escrowsync"
	"monconnect/internal/roles"
)

type jobItem struct {
	escrow.Projection
	Actions []dispatch.Action `json:"actions"`
}

type jobsResponse struct {
	View      escrow.Role          `json:"view"`
	Tab       string               `json:"tab"`
	Seq       uint64               `json:"seq"`
	FetchedAt time.Time            `json:"fetchedAt"`
	Total     uint64               `json:"total"`
	Jobs      []jobItem            `json:"jobs"`
	Skipped   []escrowsync.Skipped `json:"skipped,omitempty"`
	Stats     escrowsync.Stats     `json:"stats"`
	LastError string               `json:"lastError,omitempty"`
}

func (s *Server) view(r *http.Request) (escrow.Role, *escrowsync.Synchronizer, error) {
	name := r.URL.Query().Get("view")
	if name == "" {
		name = string(escrow.RoleOrganizer)
	}
	role, err := escrow.ParseRole(name)
	if err != nil {
		return "", nil, err
	}
	view := s.deps.Views[role]
	if view == nil {
		return "", nil, fmt.Errorf("%w: %s view is not running", escrow.ErrInvalidInput, role)
	}
	return role, view, nil
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	role, view, err := s.view(r)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	snap := view.Snapshot()

	tab := r.URL.Query().Get("tab")
	var list []escrow.Projection
	switch tab {
	case "", "active":
		tab, list = "active", snap.Active()
	case "history":
		list = snap.History()
	case "all":
		list = snap.All
	default:
		writeKind(w, "invalid_input", fmt.Sprintf("unknown tab %q", tab))
		return
	}

	resp := jobsResponse{
		View:      role,
		Tab:       tab,
		Seq:       snap.Seq,
		FetchedAt: snap.FetchedAt,
		Total:     snap.Total,
		Jobs:      make([]jobItem, 0, len(list)),
		Skipped:   snap.Skipped,
		Stats:     snap.Stats(),
	}
	for _, p := range list {
		resp.Jobs = append(resp.Jobs, jobItem{Projection: p, Actions: dispatch.Available(p.Job, role)})
	}
	if _, ferr := view.LastFailure(); ferr != nil {
		resp.LastError = ferr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh force-refreshes one view, or every view when none is named.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	targets := s.deps.Views
	if r.URL.Query().Get("view") != "" {
		role, view, err := s.view(r)
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		targets = map[escrow.Role]*escrowsync.Synchronizer{role: view}
	}

	type refreshed struct {
		Seq     uint64 `json:"seq"`
		Total   uint64 `json:"total"`
		Jobs    int    `json:"jobs"`
		Skipped int    `json:"skipped"`
	}
	out := make(map[escrow.Role]refreshed, len(targets))
	var firstErr error
	for role, view := range targets {
		snap, err := view.ForceRefresh(r.Context())
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out[role] = refreshed{Seq: snap.Seq, Total: snap.Total, Jobs: len(snap.All), Skipped: len(snap.Skipped)}
	}
	if firstErr != nil {
		s.writeError(w, r, firstErr, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	out := make([]escrowsync.Notification, 0)
	for _, view := range s.deps.Views {
		out = append(out, view.Notifier().Active(now)...)
	}
	writeJSON(w, http.StatusOK, struct {
		Notifications []escrowsync.Notification `json:"notifications"`
	}{out})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, view := range s.deps.Views {
		if view.Notifier().Dismiss(id) {
			writeJSON(w, http.StatusOK, struct {
				Dismissed string `json:"dismissed"`
			}{id})
			return
		}
	}
	writeKind(w, "not_found", "no active notification "+id)
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Disputes == nil {
		writeJSON(w, http.StatusOK, struct {
			Disputes []dispute.Dispute `json:"disputes"`
		}{[]dispute.Dispute{}})
		return
	}
	var (
		list []dispute.Dispute
		err  error
	)
	if raw := r.URL.Query().Get("jobId"); raw != "" {
		id, perr := strconv.ParseUint(raw, 10, 64)
		if perr != nil {
			writeKind(w, "invalid_input", "jobId must be an unsigned integer")
			return
		}
		list, err = dispute.ListByJob(r.Context(), s.deps.Disputes, id)
	} else {
		list, err = s.deps.Disputes.ListAll(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Disputes []dispute.Dispute `json:"disputes"`
	}{list})
}

type actionRequest struct {
	Role        string `json:"role"`
	ProofURL    string `json:"proofUrl"`
	Description string `json:"description"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeKind(w, "invalid_input", "job id must be an unsigned integer")
		return
	}
	action, err := dispatch.ParseAction(r.PathValue("action"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	var body actionRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.execute(w, r, id, action, body)
}

type disputeRequest struct {
	JobID       uint64 `json:"jobId"`
	Role        string `json:"role"`
	Description string `json:"description"`
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var body disputeRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.execute(w, r, body.JobID, dispatch.ActionRaiseDispute, actionRequest{Role: body.Role, Description: body.Description})
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, id uint64, action dispatch.Action, body actionRequest) {
	req := dispatch.Request{
		JobID:       id,
		Action:      action,
		ProofURL:    body.ProofURL,
		Description: body.Description,
	}
	if body.Role != "" {
		role, err := escrow.ParseRole(body.Role)
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		req.Role = role
	}
	res, err := s.deps.Dispatcher.Execute(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, res)
		return
	}
	status := http.StatusOK
	if action == dispatch.ActionRaiseDispute {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var body dispatch.CreateRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	res, err := s.deps.Dispatcher.CreateEscrow(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	amount, err := escrow.ParseEther(r.URL.Query().Get("amount"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	quote, err := escrow.QuoteFee(amount, s.cfg.Fees.OrganizerBps)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		escrow.FeeQuote
		Display struct {
			JobAmount    string `json:"jobAmount"`
			OrganizerFee string `json:"organizerFee"`
			TotalToSend  string `json:"totalToSend"`
		} `json:"display"`
	}{
		FeeQuote: quote,
		Display: struct {
			JobAmount    string `json:"jobAmount"`
			OrganizerFee string `json:"organizerFee"`
			TotalToSend  string `json:"totalToSend"`
		}{
			JobAmount:    escrow.FormatEther(quote.JobAmount),
			OrganizerFee: escrow.FormatEther(quote.OrganizerFee),
			TotalToSend:  escrow.FormatEther(quote.TotalToSend),
		},
	})
}

func (s *Server) handleVendors(w http.ResponseWriter, r *http.Request) {
	raws, err := s.deps.Client.ActiveVendors(r.Context())
	if err != nil {
		s.writeError(w, r, escrow.Classify(err), nil)
		return
	}
	out := make([]escrow.Vendor, 0, len(raws))
	for _, raw := range raws {
		if v, ok := escrow.BuildVendor(raw); ok {
			out = append(out, v)
		}
	}
	writeJSON(w, http.StatusOK, struct {
		Vendors []escrow.Vendor `json:"vendors"`
	}{out})
}

func (s *Server) handleVendor(w http.ResponseWriter, r *http.Request) {
	addr, err := dispatch.ParseAddress(r.PathValue("address"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	raw, err := s.deps.Client.VendorProfile(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, escrow.Classify(err), nil)
		return
	}
	v, ok := escrow.BuildVendor(raw)
	if !ok {
		writeKind(w, "not_found", addr.Hex()+" is not a registered vendor")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRegisterVendor(w http.ResponseWriter, r *http.Request) {
	var profile escrow.VendorProfile
	if err := decode(r, &profile); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	hash, err := s.deps.Dispatcher.RegisterVendor(r.Context(), profile)
	s.writeTx(w, r, hash, err, http.StatusCreated)
}

func (s *Server) handleVendorStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active *bool `json:"active"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	if body.Active == nil {
		writeKind(w, "invalid_input", "active is required")
		return
	}
	hash, err := s.deps.Dispatcher.SetVendorStatus(r.Context(), *body.Active)
	s.writeTx(w, r, hash, err, http.StatusOK)
}

type txResponse struct {
	TxHash *common.Hash `json:"txHash,omitempty"`
}

func (s *Server) writeTx(w http.ResponseWriter, r *http.Request, hash *common.Hash, err error, okStatus int) {
	if err != nil {
		s.writeError(w, r, err, txResponse{TxHash: hash})
		return
	}
	writeJSON(w, okStatus, txResponse{TxHash: hash})
}

type rolesResponse struct {
	roles.Roles
	Landing string `json:"landing"`
}

func (s *Server) resolveRoles(ctx context.Context) (roles.Roles, error) {
	if s.deps.Gate == nil {
		return roles.Roles{Address: s.deps.Self}, nil
	}
	return s.deps.Gate.Resolve(ctx, s.deps.Self)
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	held, err := s.resolveRoles(r.Context())
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rolesResponse{Roles: held, Landing: roles.Landing(held)})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gate == nil {
		writeKind(w, "provider_unavailable", "role gate not configured")
		return
	}
	var body struct {
		Role string `json:"role"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	role, err := roles.ParseRole(body.Role)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	res, err := s.deps.Gate.Mint(r.Context(), s.deps.Self, role)
	if err != nil {
		s.writeError(w, r, err, res)
		return
	}
	status := http.StatusCreated
	if res.AlreadyMinted {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleJoinJury(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jury == nil {
		writeKind(w, "provider_unavailable", "jury registry not configured")
		return
	}
	rec, err := s.deps.Jury.Register(r.Context(), s.deps.Self)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleLeaveJury(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jury == nil {
		writeKind(w, "provider_unavailable", "jury registry not configured")
		return
	}
	if err := s.deps.Jury.Unregister(r.Context(), s.deps.Self); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Jury bool `json:"jury"`
	}{false})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Address common.Address `json:"address"`
		ChainID int64          `json:"chainId"`
		Symbol  string         `json:"symbol"`
		Balance string         `json:"balance,omitempty"`
		Wei     string         `json:"wei,omitempty"`
	}{
		Address: s.deps.Self,
		ChainID: s.cfg.Chain.ChainID,
		Symbol:  s.cfg.Chain.NativeSymbol,
	}
	if s.deps.Balance != nil {
		bal, err := s.deps.Balance(r.Context())
		if err != nil {
			s.writeError(w, r, escrow.Classify(err), nil)
			return
		}
		resp.Balance = escrow.FormatEther(bal)
		resp.Wei = bal.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

type pageResponse struct {
	Page     roles.Page  `json:"page"`
	Roles    roles.Roles `json:"roles"`
	Redirect string      `json:"redirect,omitempty"`
	Data     interface{} `json:"data,omitempty"`
}

// pageHandler serves a route descriptor. Guarded dashboards redirect when
// the session account lacks the role.
func (s *Server) pageHandler(page roles.Page) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		held, err := s.resolveRoles(r.Context())
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		resp := pageResponse{Page: page, Roles: held}
		if allowed, redirect := roles.Guard(page, held); !allowed {
			resp.Redirect = redirect
			w.Header().Set("Location", redirect)
			writeJSON(w, http.StatusTemporaryRedirect, resp)
			return
		}
		data, err := s.pageData(r.Context(), page)
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		resp.Data = data
		writeJSON(w, http.StatusOK, resp)
	})
}

type dashboardData struct {
	Stats escrowsync.Stats `json:"stats"`
	Seq   uint64           `json:"seq"`
}

func (s *Server) pageData(ctx context.Context, page roles.Page) (interface{}, error) {
	switch page.Requires {
	case roles.Organizer:
		return s.dashboard(escrow.RoleOrganizer), nil
	case roles.ServiceProvider:
		return s.dashboard(escrow.RoleVendor), nil
	case roles.Jury:
		if s.deps.Disputes == nil {
			return struct {
				Disputes []dispute.Dispute `json:"disputes"`
			}{[]dispute.Dispute{}}, nil
		}
		all, err := s.deps.Disputes.ListAll(ctx)
		if err != nil {
			return nil, err
		}
		return struct {
			Disputes []dispute.Dispute `json:"disputes"`
		}{all}, nil
	}
	return nil, nil
}

func (s *Server) dashboard(role escrow.Role) interface{} {
	view := s.deps.Views[role]
	if view == nil {
		return nil
	}
	snap := view.Snapshot()
	return dashboardData{Stats: snap.Stats(), Seq: snap.Seq}
}
