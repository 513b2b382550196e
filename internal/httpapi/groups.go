package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Avicted/chatsync/internal/group"
	"github.com/Avicted/chatsync/internal/user"
)

type createGroupRequest struct {
	Name        string    `json:"name" validate:"required,max=100"`
	Description string    `json:"description" validate:"max=500"`
	MemberIDs   []user.ID `json:"member_ids" validate:"max=256,dive,required,max=128"`
}

type groupResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	CreatedBy   user.ID `json:"created_by"`
	CreatedAt   string  `json:"created_at"`
	MemberCount int     `json:"member_count"`
}

type listGroupsResponse struct {
	Groups []groupResponse `json:"groups"`
}

type addMemberRequest struct {
	GroupID string  `json:"group_id" validate:"required,max=128"`
	UserID  user.ID `json:"user_id" validate:"required,max=128"`
}

type memberResponse struct {
	GroupID  string     `json:"group_id"`
	UserID   user.ID    `json:"user_id"`
	Username string     `json:"username"`
	Role     group.Role `json:"role"`
	JoinedAt string     `json:"joined_at"`
}

type listMembersResponse struct {
	GroupID string           `json:"group_id"`
	Members []memberResponse `json:"members"`
}

func (h *Handler) handleGroups(w http.ResponseWriter, r *http.Request) {
	if h.groups == nil || h.users == nil {
		writeError(w, http.StatusInternalServerError, errors.New("group service not configured"))
		return
	}
	session, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req createGroupRequest
		if err := h.decodeValid(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		for _, id := range req.MemberIDs {
			if _, err := h.users.GetByID(r.Context(), id); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
		}
		created, err := h.groups.Create(r.Context(), session.UserID, req.Name, req.Description, req.MemberIDs)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, toGroupResponse(created))
	case http.MethodGet:
		groups, err := h.groups.ListForUser(r.Context(), session.UserID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		resp := listGroupsResponse{Groups: make([]groupResponse, 0, len(groups))}
		for _, g := range groups {
			resp.Groups = append(resp.Groups, toGroupResponse(g))
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	if h.groups == nil || h.users == nil {
		writeError(w, http.StatusInternalServerError, errors.New("group service not configured"))
		return
	}
	session, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req addMemberRequest
		if err := h.decodeValid(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		added, err := h.users.GetByID(r.Context(), req.UserID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		m, err := h.groups.AddMember(r.Context(), session.UserID, req.GroupID, req.UserID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		m.Username = added.Username
		writeJSON(w, http.StatusCreated, toMemberResponse(m))
	case http.MethodGet:
		groupID := strings.TrimSpace(r.URL.Query().Get("group_id"))
		if groupID == "" {
			writeError(w, http.StatusBadRequest, errors.New("group_id query parameter is required"))
			return
		}
		members, err := h.groups.Members(r.Context(), session.UserID, groupID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		resp := listMembersResponse{GroupID: groupID, Members: make([]memberResponse, 0, len(members))}
		for _, m := range members {
			resp.Members = append(resp.Members, toMemberResponse(m))
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func toGroupResponse(g group.Group) groupResponse {
	return groupResponse{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		CreatedBy:   g.CreatedBy,
		CreatedAt:   g.CreatedAt.UTC().Format(timeLayout),
		MemberCount: g.MemberCount,
	}
}

func toMemberResponse(m group.Member) memberResponse {
	return memberResponse{
		GroupID:  m.GroupID,
		UserID:   m.UserID,
		Username: m.Username,
		Role:     m.Role,
		JoinedAt: m.JoinedAt.UTC().Format(timeLayout),
	}
}
