// Package posting drives the listing wizard: the dynamic fields step, the
// review gate and the final submission.
package posting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"classifieds-sync/api"
	"classifieds-sync/auth"
	"classifieds-sync/draft"
	"classifieds-sync/events"
	"classifieds-sync/fields"
	"classifieds-sync/pkg/classifieds"
	"classifieds-sync/storage"
)

// Persisted wizard keys, cleared after a successful submission.
const (
	PendingPhotosKey = "pending_photos"
	SelectedCityKey  = "selected_city"
)

var (
	// ErrLoginRequired is returned when submitting without a session.
	ErrLoginRequired = errors.New("login required")
	// ErrInvalidField is wrapped by every ValidationError.
	ErrInvalidField = errors.New("invalid field")
)

// ValidationError maps field names or ids to messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidField }

// API creates listings.
type API interface {
	CreatePost(ctx context.Context, token string, form *api.PostForm) (*classifieds.Post, error)
}

// Session resolves the current credentials.
type Session interface {
	Resolve(ctx context.Context) (auth.Credentials, error)
}

// Store persists wizard state.
type Store interface {
	Load(ctx context.Context, key string, v any) (time.Time, error)
	Save(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
}

// PhotoOpener opens the bytes of a selected photo.
type PhotoOpener func(p draft.Photo) (io.ReadCloser, error)

// Config holds the collaborators of a Service.
type Config struct {
	Drafts    *draft.Store
	Fields    *fields.Loader
	Session   Session
	API       API
	Store     Store
	Events    events.Publisher
	OpenPhoto PhotoOpener // Defaults to reading file:// URIs from disk
	Logger    *slog.Logger
}

// Service runs the posting wizard against one draft.
type Service struct {
	drafts    *draft.Store
	fields    *fields.Loader
	session   Session
	api       API
	store     Store
	events    events.Publisher
	openPhoto PhotoOpener
	logger    *slog.Logger
}

// New creates a posting service.
func New(cfg Config) *Service {
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.OpenPhoto == nil {
		cfg.OpenPhoto = openLocalPhoto
	}
	return &Service{
		drafts:    cfg.Drafts,
		fields:    cfg.Fields,
		session:   cfg.Session,
		api:       cfg.API,
		store:     cfg.Store,
		events:    cfg.Events,
		openPhoto: cfg.OpenPhoto,
		logger:    cfg.Logger,
	}
}

// Drafts returns the draft store the service works on.
func (s *Service) Drafts() *draft.Store {
	return s.drafts
}

// LoadFields enters the fields step: it loads the schema for the draft's
// category, stores it on the draft and returns it with initial answers.
func (s *Service) LoadFields(ctx context.Context) (*fields.Schema, error) {
	d := s.drafts.Current()
	if d.Base.CategoryID == "" {
		return nil, &ValidationError{Fields: map[string]string{"category_id": "Choose a category first"}}
	}

	// The schema endpoint works without a session.
	var token string
	if creds, err := s.session.Resolve(ctx); err == nil {
		token = creds.Token
	}

	schema, err := s.fields.Load(ctx, token, d.Base.CategoryID, d.DynamicValues)
	if err != nil {
		return nil, err
	}
	s.drafts.SetFieldsMeta(schema.Descriptors)
	return schema, nil
}

// CommitFields leaves the fields step. Answers are validated against the
// draft's schema; on success they replace the draft's answers and are
// cached for the category.
func (s *Service) CommitFields(ctx context.Context, values fields.Values) (draft.Draft, error) {
	d := s.drafts.Current()
	fs := fields.FromDescriptors(d.FieldsMeta)
	merged := fields.Merge(fs, values)

	if problems := fields.Validate(fs, merged); problems != nil {
		return d, &ValidationError{Fields: problems}
	}

	next := s.drafts.SetDynamicValues(merged)
	if d.Base.CategoryID != "" {
		if err := s.fields.SaveAnswers(ctx, d.Base.CategoryID, d.FieldsMeta, merged); err != nil {
			s.logger.Warn("Failed to cache field answers", "category_id", d.Base.CategoryID, "error", err)
		}
	}
	return next, nil
}

// ValidateBase checks the fixed part of a listing before review.
func ValidateBase(b draft.BaseForm) error {
	problems := make(map[string]string)
	if strings.TrimSpace(b.CategoryID) == "" {
		problems["category_id"] = "Category is required"
	}
	if strings.TrimSpace(b.Title) == "" {
		problems["title"] = "Title is required"
	}
	if strings.TrimSpace(b.Description) == "" {
		problems["description"] = "Description is required"
	}
	switch b.AuthField {
	case draft.AuthEmail:
		if !strings.Contains(b.Email, "@") {
			problems["email"] = "A valid email is required"
		}
	case draft.AuthPhone:
		if strings.TrimSpace(b.Phone) == "" {
			problems["phone"] = "Phone number is required"
		}
	default:
		problems["auth_field"] = "Choose email or phone as contact"
	}
	if strings.TrimSpace(b.CityID) == "" {
		problems["city_id"] = "City is required"
	}
	if b.Price < 0 {
		problems["price"] = "Price must not be negative"
	}
	if b.Tags != "" && draft.NormalizeTags(strings.Split(b.Tags, ",")) != b.Tags {
		problems["tags"] = fmt.Sprintf("Tags must be %d-%d characters, unique, at most %d",
			draft.MinTagLength, draft.MaxTagLength, draft.MaxTags)
	}
	if !b.AcceptTerms {
		problems["accept_terms"] = "You must accept the terms"
	}
	if len(problems) > 0 {
		return &ValidationError{Fields: problems}
	}
	return nil
}

// Submit sends the whole draft as one multipart request. On success the
// draft is reset and the pending photo and city selections are cleared.
func (s *Service) Submit(ctx context.Context) (*classifieds.Post, error) {
	creds, err := s.session.Resolve(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNoToken) {
			return nil, ErrLoginRequired
		}
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	if err := s.Review(); err != nil {
		return nil, err
	}
	d := s.drafts.Current()

	form := s.buildForm(d)
	start := time.Now()
	post, err := s.api.CreatePost(ctx, creds.Token, form)
	if err != nil {
		s.logger.Warn("Listing submission failed", "category_id", d.Base.CategoryID, "error", err)
		return nil, fmt.Errorf("submit listing: %w", err)
	}
	s.logger.Info("Listing submitted",
		"post_id", post.ID.String(),
		"category_id", d.Base.CategoryID,
		"pictures", len(d.Photos),
		"duration_ms", time.Since(start).Milliseconds())

	s.drafts.Reset()
	s.clearWizardState(ctx)

	if err := s.events.Publish(ctx, events.SubjectDraftSubmitted, events.DraftSubmitted{
		PostID:     post.ID.String(),
		Title:      d.Base.Title,
		CategoryID: d.Base.CategoryID,
		Pictures:   len(d.Photos),
		At:         time.Now(),
	}); err != nil {
		s.logger.Warn("Failed to publish submission event", "error", err)
	}
	return post, nil
}

// Discard resets the draft and forgets the persisted wizard selections.
func (s *Service) Discard(ctx context.Context) draft.Draft {
	d := s.drafts.Reset()
	s.clearWizardState(ctx)
	return d
}

func (s *Service) clearWizardState(ctx context.Context) {
	for _, key := range []string{PendingPhotosKey, SelectedCityKey} {
		if err := s.store.Delete(ctx, key); err != nil {
			s.logger.Warn("Failed to clear wizard state", "key", key, "error", err)
		}
	}
}

// Review validates the whole draft before the final step.
func (s *Service) Review() error {
	d := s.drafts.Current()
	problems := make(map[string]string)
	var ve *ValidationError
	if err := ValidateBase(d.Base); errors.As(err, &ve) {
		for k, v := range ve.Fields {
			problems[k] = v
		}
	}
	for k, v := range fields.Validate(fields.FromDescriptors(d.FieldsMeta), d.DynamicValues) {
		problems[k] = v
	}
	if len(problems) > 0 {
		return &ValidationError{Fields: problems}
	}
	return nil
}

// buildForm assembles the multipart fields in a fixed order, then the
// dynamic answers in schema order, then the pictures primary first.
func (s *Service) buildForm(d draft.Draft) *api.PostForm {
	b := d.Base
	form := &api.PostForm{}
	form.Add("category_id", b.CategoryID)
	form.Add("post_type_id", b.PostTypeID)
	form.Add("title", b.Title)
	form.Add("description", b.Description)
	form.Add("contact_name", b.ContactName)
	form.Add("auth_field", b.AuthField)
	switch b.AuthField {
	case draft.AuthEmail:
		form.Add("email", b.Email)
	case draft.AuthPhone:
		form.Add("phone", b.Phone)
		if b.PhoneCountry != "" {
			form.Add("phone_country", b.PhoneCountry)
		}
	}
	form.Add("city_id", b.CityID)
	form.Add("country_code", b.CountryCode)
	form.Add("price", strconv.FormatInt(b.Price, 10))
	form.Add("negotiable", boolField(b.Negotiable))
	form.Add("accept_terms", boolField(b.AcceptTerms))
	form.Add("tags", b.Tags)

	for _, meta := range d.FieldsMeta {
		id := meta.ID.String()
		v, ok := d.DynamicValues[id]
		if !ok {
			continue
		}
		if v.IsList() {
			for _, item := range v.Items() {
				form.Add("cf["+id+"][]", item)
			}
			continue
		}
		if !v.IsEmpty() {
			form.Add("cf["+id+"]", v.Text())
		}
	}

	for i, p := range d.OrderedPhotos() {
		form.Files = append(form.Files, api.FormFile{
			Field:       "pictures[]",
			Name:        photoName(p, i),
			ContentType: p.Type,
			Open:        func() (io.ReadCloser, error) { return s.openPhoto(p) },
		})
	}
	return form
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func photoName(p draft.Photo, i int) string {
	if p.Name != "" {
		return p.Name
	}
	if p.URI != "" {
		if base := path.Base(p.URI); base != "." && base != "/" {
			return base
		}
	}
	return fmt.Sprintf("photo-%d.jpg", i+1)
}

func openLocalPhoto(p draft.Photo) (io.ReadCloser, error) {
	name := strings.TrimPrefix(p.URI, "file://")
	if name == "" {
		return nil, fmt.Errorf("photo %s has no local uri", p.Key)
	}
	return os.Open(name)
}

// SavePendingPhotos persists the photo selection so it survives a restart.
func (s *Service) SavePendingPhotos(ctx context.Context, photos []draft.Photo) error {
	if err := s.store.Save(ctx, PendingPhotosKey, photos); err != nil {
		return fmt.Errorf("save pending photos: %w", err)
	}
	return nil
}

// LoadPendingPhotos returns the persisted photo selection, or nil.
func (s *Service) LoadPendingPhotos(ctx context.Context) ([]draft.Photo, error) {
	var photos []draft.Photo
	if _, err := s.store.Load(ctx, PendingPhotosKey, &photos); err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load pending photos: %w", err)
	}
	return photos, nil
}

// City is the chosen listing location.
type City struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CountryCode string `json:"country_code"`
}

// SaveCity persists the chosen city and applies it to the draft.
func (s *Service) SaveCity(ctx context.Context, c City) error {
	s.drafts.PatchBase(draft.BasePatch{
		CityID:      &c.ID,
		CityName:    &c.Name,
		CountryCode: &c.CountryCode,
	})
	if err := s.store.Save(ctx, SelectedCityKey, c); err != nil {
		return fmt.Errorf("save city: %w", err)
	}
	return nil
}

// LoadCity returns the persisted city, or nil.
func (s *Service) LoadCity(ctx context.Context) (*City, error) {
	var c City
	if _, err := s.store.Load(ctx, SelectedCityKey, &c); err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load city: %w", err)
	}
	return &c, nil
}

// Restore reapplies persisted photo and city selections to the draft.
func (s *Service) Restore(ctx context.Context) error {
	photos, err := s.LoadPendingPhotos(ctx)
	if err != nil {
		return err
	}
	if len(photos) > 0 {
		s.drafts.AddPhotos(photos)
	}
	c, err := s.LoadCity(ctx)
	if err != nil {
		return err
	}
	if c != nil {
		s.drafts.PatchBase(draft.BasePatch{CityID: &c.ID, CityName: &c.Name, CountryCode: &c.CountryCode})
	}
	return nil
}
