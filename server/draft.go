package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"classifieds-sync/draft"
	"classifieds-sync/fields"
	"classifieds-sync/posting"
)

func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.posting.Drafts().Current())
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.posting.Discard(r.Context()))
}

func (s *Server) handlePatchBase(w http.ResponseWriter, r *http.Request) {
	var patch draft.BasePatch
	if !s.decode(w, r, &patch) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.posting.Drafts().PatchBase(patch))
}

// tagsInput is either a list of tags or one comma-separated string.
type tagsInput struct {
	list   []string
	joined *string
}

func (t *tagsInput) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*t = tagsInput{}
	case string:
		*t = tagsInput{joined: &v}
	case []any:
		list := make([]string, 0, len(v))
		for _, item := range v {
			tag, ok := item.(string)
			if !ok {
				return fmt.Errorf("tag %v is not a string", item)
			}
			list = append(list, tag)
		}
		*t = tagsInput{list: list}
	default:
		return fmt.Errorf("tags must be a string or a list, got %s", data)
	}
	return nil
}

type tagsRequest struct {
	Tags tagsInput `json:"tags"`
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	var req tagsRequest
	if !s.decode(w, r, &req) {
		return
	}
	drafts := s.posting.Drafts()
	if req.Tags.joined != nil {
		s.writeJSON(w, http.StatusOK, drafts.SetTagsString(*req.Tags.joined))
		return
	}
	s.writeJSON(w, http.StatusOK, drafts.SetTags(req.Tags.list))
}

func (s *Server) handleCity(w http.ResponseWriter, r *http.Request) {
	var c posting.City
	if !s.decode(w, r, &c) {
		return
	}
	if c.ID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "city id is required"})
		return
	}
	if err := s.posting.SaveCity(r.Context(), c); err != nil {
		// The draft already holds the city; only the persisted copy is missing.
		s.logger.Warn("Failed to persist city", "city_id", c.ID, "error", err)
	}
	s.writeJSON(w, http.StatusOK, s.posting.Drafts().Current())
}

type photosRequest struct {
	Photos []draft.Photo `json:"photos"`
}

// handleAddPhotos adds photos to the draft and persists the resulting
// selection so it survives a restart.
func (s *Server) handleAddPhotos(w http.ResponseWriter, r *http.Request) {
	var req photosRequest
	if !s.decode(w, r, &req) {
		return
	}
	d := s.posting.Drafts().AddPhotos(req.Photos)
	s.persistPhotos(r, d)
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRemovePhoto(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid photo key"})
		return
	}
	d := s.posting.Drafts().RemovePhoto(key)
	s.persistPhotos(r, d)
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) persistPhotos(r *http.Request, d draft.Draft) {
	if err := s.posting.SavePendingPhotos(r.Context(), d.Photos); err != nil {
		s.logger.Warn("Failed to persist photo selection", "photos", len(d.Photos), "error", err)
	}
}

type primaryRequest struct {
	Key string `json:"key"`
}

func (s *Server) handlePrimary(w http.ResponseWriter, r *http.Request) {
	var req primaryRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.posting.Drafts().SetPrimary(req.Key))
}

type fieldsResponse struct {
	CategoryID string              `json:"category_id"`
	Fields     []fields.Descriptor `json:"fields"`
	Values     fields.Values       `json:"values"`
	FromCache  bool                `json:"from_cache"`
}

func (s *Server) handleLoadFields(w http.ResponseWriter, r *http.Request) {
	schema, err := s.posting.LoadFields(r.Context())
	if err != nil {
		s.writeError(w, r, err, http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, fieldsResponse{
		CategoryID: schema.CategoryID,
		Fields:     schema.Descriptors,
		Values:     schema.Values,
		FromCache:  schema.FromCache,
	})
}

type commitFieldsRequest struct {
	Values fields.Values `json:"values"`
}

func (s *Server) handleCommitFields(w http.ResponseWriter, r *http.Request) {
	var req commitFieldsRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.posting.CommitFields(r.Context(), req.Values)
	if err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	if err := s.posting.Review(); err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, s.posting.Drafts().Current())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	post, err := s.posting.Submit(r.Context())
	if err != nil {
		s.writeError(w, r, err, http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusCreated, post)
}
