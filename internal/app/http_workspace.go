package app

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"taskflow/api/internal/blob"
	"taskflow/api/internal/store"
)

// maxFormBytes bounds a multipart request: one icon plus a few text fields.
const maxFormBytes = blob.MaxImageBytes + 64<<10

// iconForm is the body of a create/update request that may carry an icon.
// Name is nil when the field was not sent.
type iconForm struct {
	Name        *string `json:"name"`
	WorkspaceID string  `json:"workspaceId"`
	Icon        *Icon   `json:"-"`
}

// readIconForm accepts either multipart/form-data with an optional "image"
// part or a plain JSON body.
func readIconForm(w http.ResponseWriter, r *http.Request) (iconForm, error) {
	var form iconForm
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if err := decodeBody(r, &form); err != nil {
			return iconForm{}, errInvalidBody(err.Error())
		}
		return form, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseMultipartForm(maxFormBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return iconForm{}, errValidation(blob.ErrTooLarge.Error(), map[string]any{"field": "image"})
		}
		return iconForm{}, errInvalidBody("invalid multipart body")
	}
	if values, ok := r.MultipartForm.Value["name"]; ok && len(values) > 0 {
		name := values[0]
		form.Name = &name
	}
	form.WorkspaceID = r.FormValue("workspaceId")

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return form, nil
	}
	if err != nil {
		return iconForm{}, errInvalidBody("invalid image part")
	}
	defer file.Close()
	// One byte over the limit is enough for the size check downstream.
	data, err := io.ReadAll(io.LimitReader(file, blob.MaxImageBytes+1))
	if err != nil {
		return iconForm{}, err
	}
	form.Icon = &Icon{Data: data, FileName: header.Filename}
	return form, nil
}

func (s *HTTPServer) handleWorkspaces(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			workspaces, err := s.service.ListWorkspaces(r.Context(), session)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			items := make([]map[string]any, 0, len(workspaces))
			for _, ws := range workspaces {
				items = append(items, workspaceView(ws))
			}
			writeJSON(w, http.StatusOK, map[string]any{"workspaces": items})
		case http.MethodPost:
			form, err := readIconForm(w, r)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			name := ""
			if form.Name != nil {
				name = *form.Name
			}
			workspace, membership, err := s.service.CreateWorkspace(r.Context(), session, name, form.Icon)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"workspace":  workspaceView(workspace),
				"membership": membershipView(membership),
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	workspaceID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			workspace, membership, err := s.service.GetWorkspace(r.Context(), session, workspaceID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"workspace":  workspaceView(workspace),
				"membership": membershipView(membership),
			})
		case http.MethodPatch:
			form, err := readIconForm(w, r)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			workspace, err := s.service.UpdateWorkspace(r.Context(), session, workspaceID, form.Name, form.Icon)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"workspace": workspaceView(workspace)})
		case http.MethodDelete:
			if err := s.service.DeleteWorkspace(r.Context(), session, workspaceID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "workspaceId": workspaceID})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 2 && parts[1] == "reset-invite-code" && r.Method == http.MethodPost {
		workspace, err := s.service.RotateInviteCode(r.Context(), session, workspaceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workspace": workspaceView(workspace)})
		return
	}

	if len(parts) == 2 && parts[1] == "join" && r.Method == http.MethodPost {
		var body struct {
			Code string `json:"code"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		membership, err := s.service.JoinWorkspace(r.Context(), session, workspaceID, body.Code)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"membership": membershipView(membership)})
		return
	}

	if len(parts) == 2 && parts[1] == "check-member" && r.Method == http.MethodGet {
		membership, err := s.service.CheckMembership(r.Context(), session, workspaceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		payload := map[string]any{"isMember": membership != nil, "membership": nil}
		if membership != nil {
			payload["membership"] = membershipView(*membership)
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleMembers serves /api/members. The workspace is named by the
// workspaceId query parameter.
func (s *HTTPServer) handleMembers(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	workspaceID := strings.TrimSpace(r.URL.Query().Get("workspaceId"))

	if len(parts) == 0 && r.Method == http.MethodGet {
		if err := requireWorkspaceID(workspaceID); err != nil {
			s.fail(w, r, err)
			return
		}
		members, err := s.service.ListMembers(r.Context(), session, workspaceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(members))
		for _, m := range members {
			items = append(items, memberView(m))
		}
		writeJSON(w, http.StatusOK, map[string]any{"members": items, "total": len(items)})
		return
	}

	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	membershipID := parts[0]

	switch r.Method {
	case http.MethodDelete:
		if err := requireWorkspaceID(workspaceID); err != nil {
			s.fail(w, r, err)
			return
		}
		if err := s.service.RemoveMember(r.Context(), session, workspaceID, membershipID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "membershipId": membershipID})
	case http.MethodPatch:
		var body struct {
			WorkspaceID string `json:"workspaceId"`
			Role        string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.WorkspaceID != "" {
			workspaceID = body.WorkspaceID
		}
		if err := requireWorkspaceID(workspaceID); err != nil {
			s.fail(w, r, err)
			return
		}
		membership, err := s.service.ChangeMemberRole(r.Context(), session, workspaceID, membershipID, body.Role)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"membership": membershipView(membership)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func userView(session Session) map[string]any {
	return map[string]any{
		"id":    session.UserID,
		"name":  session.UserName,
		"email": session.UserEmail,
	}
}

func sessionView(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"expiresAt":    session.ExpiresAt.Unix(),
		"user":         userView(session),
	}
}

func workspaceView(ws store.Workspace) map[string]any {
	return map[string]any{
		"id":          ws.ID,
		"name":        ws.Name,
		"imageUrl":    nullable(ws.ImageURL),
		"imageId":     nullable(ws.ImageID),
		"inviteCode":  ws.InviteCode,
		"ownerUserId": ws.OwnerUserID,
		"createdAt":   ws.CreatedAt,
		"updatedAt":   ws.UpdatedAt,
	}
}

func membershipView(m store.Membership) map[string]any {
	return map[string]any{
		"id":          m.ID,
		"userId":      m.UserID,
		"workspaceId": m.WorkspaceID,
		"role":        m.Role,
		"createdAt":   m.CreatedAt,
	}
}

func memberView(m store.Member) map[string]any {
	view := membershipView(m.Membership)
	view["name"] = m.UserName
	view["email"] = m.UserEmail
	return view
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
