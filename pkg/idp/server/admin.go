// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/toolhive-idp/pkg/idp/storage"
	"github.com/stacklok/toolhive-idp/pkg/idp/user"
)

func (s *Server) adminRoutes(r chi.Router) {
	r.Get("/users", ErrorHandler(s.listUsersHandler))
	r.Post("/users", ErrorHandler(s.createUserHandler))
	r.Put("/users/{id}/password", ErrorHandler(s.setUserPasswordHandler))
	r.Put("/users/{id}/fullname", ErrorHandler(s.setUserFullnameHandler))
	r.Put("/users/{id}/disabled", ErrorHandler(s.setUserDisabledHandler))
	r.Get("/actors", ErrorHandler(s.listActorsHandler))
	r.Put("/actors/{id}/roles", ErrorHandler(s.setActorRolesHandler))
	r.Put("/actors/{id}/disabled", ErrorHandler(s.setActorDisabledHandler))
}

type userResponse struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	Fullname   string     `json:"fullname"`
	Admin      bool       `json:"admin"`
	Bootstrap  bool       `json:"bootstrap"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func toUserResponse(u *storage.User) userResponse {
	return userResponse{
		ID:         u.ID,
		Username:   u.Username,
		Fullname:   u.Fullname,
		Admin:      u.Admin,
		Bootstrap:  u.Bootstrap,
		DisabledAt: u.DisabledAt,
		CreatedAt:  u.CreatedAt,
	}
}

type actorResponse struct {
	ID         string     `json:"id"`
	Issuer     string     `json:"issuer"`
	Subject    string     `json:"subject"`
	Fullname   string     `json:"fullname"`
	Email      string     `json:"email,omitempty"`
	Roles      []string   `json:"roles"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
}

func toActorResponse(a *storage.Actor) actorResponse {
	return actorResponse{
		ID:         a.ID,
		Issuer:     a.Issuer,
		Subject:    a.Subject,
		Fullname:   a.Fullname,
		Email:      a.Email,
		Roles:      a.RoleKeys(),
		DisabledAt: a.DisabledAt,
		CreatedAt:  a.CreatedAt,
		LastSeenAt: a.LastSeenAt,
	}
}

func (s *Server) listUsersHandler(w http.ResponseWriter, r *http.Request) error {
	users, err := s.users.ListUsers(r.Context())
	if err != nil {
		return err
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

type createUserRequest struct {
	Username string `json:"username"`
	Fullname string `json:"fullname"`
	Password string `json:"password"`
	Admin    bool   `json:"admin"`
}

func (s *Server) createUserHandler(w http.ResponseWriter, r *http.Request) error {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	u, err := s.users.CreateEmbeddedUser(r.Context(), user.NewUser{
		Username: req.Username,
		Fullname: req.Fullname,
		Password: req.Password,
		Admin:    req.Admin,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, toUserResponse(u))
	return nil
}

func (s *Server) setUserPasswordHandler(w http.ResponseWriter, r *http.Request) error {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := s.users.ChangeUserPassword(r.Context(), chi.URLParam(r, "id"), req.Password); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type fullnameRequest struct {
	Fullname string `json:"fullname"`
}

func (s *Server) setUserFullnameHandler(w http.ResponseWriter, r *http.Request) error {
	var req fullnameRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	u, err := s.users.ChangeUserFullname(r.Context(), chi.URLParam(r, "id"), req.Fullname)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
	return nil
}

type disabledRequest struct {
	Disabled bool `json:"disabled"`
}

func (r disabledRequest) at() *time.Time {
	if !r.Disabled {
		return nil
	}
	now := time.Now().UTC()
	return &now
}

func (s *Server) setUserDisabledHandler(w http.ResponseWriter, r *http.Request) error {
	var req disabledRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	u, err := s.users.DisableUser(r.Context(), chi.URLParam(r, "id"), req.at())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
	return nil
}

func (s *Server) listActorsHandler(w http.ResponseWriter, r *http.Request) error {
	actors, err := s.actors.List(r.Context())
	if err != nil {
		return err
	}
	out := make([]actorResponse, 0, len(actors))
	for _, a := range actors {
		out = append(out, toActorResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

type rolesRequest struct {
	Roles []string `json:"roles"`
}

func (s *Server) setActorRolesHandler(w http.ResponseWriter, r *http.Request) error {
	var req rolesRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	a, err := s.actors.SetRoles(r.Context(), chi.URLParam(r, "id"), req.Roles)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toActorResponse(a))
	return nil
}

func (s *Server) setActorDisabledHandler(w http.ResponseWriter, r *http.Request) error {
	var req disabledRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	a, err := s.actors.Disable(r.Context(), chi.URLParam(r, "id"), req.at())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toActorResponse(a))
	return nil
}
