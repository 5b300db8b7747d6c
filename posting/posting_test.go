package posting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classifieds-sync/api"
	"classifieds-sync/auth"
	"classifieds-sync/draft"
	"classifieds-sync/events"
	"classifieds-sync/fields"
	"classifieds-sync/pkg/classifieds"
	"classifieds-sync/storage"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sessionState struct {
	creds auth.Credentials
	err   error
}

type fakeAPI struct {
	form  *api.PostForm
	token string
	err   error
	files map[string]string
}

func (f *fakeAPI) CreatePost(ctx context.Context, token string, form *api.PostForm) (*classifieds.Post, error) {
	f.form = form
	f.token = token
	f.files = make(map[string]string)
	for _, file := range form.Files {
		r, err := file.Open()
		if err != nil {
			return nil, err
		}
		data, _ := io.ReadAll(r)
		r.Close()
		f.files[file.Name] = string(data)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &classifieds.Post{ID: "501", Title: "Bike"}, nil
}

type fakeFieldsAPI struct {
	descs []classifieds.FieldDescriptor
	calls int
}

func (f *fakeFieldsAPI) CategoryFields(ctx context.Context, token, categoryID string) ([]classifieds.FieldDescriptor, error) {
	f.calls++
	return f.descs, nil
}

type harness struct {
	svc     *Service
	drafts  *draft.Store
	store   *storage.Store
	api     *fakeAPI
	fields  *fakeFieldsAPI
	events  *events.Recorder
	session *sessionState
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	backend, err := storage.NewLocal(t.TempDir(), discard())
	require.NoError(t, err)
	store := storage.New(backend, discard())

	h := &harness{
		drafts:  draft.NewStore(),
		store:   store,
		api:     &fakeAPI{},
		events:  &events.Recorder{},
		session: &sessionState{creds: auth.Credentials{Token: "tok", UserID: "1"}},
		fields: &fakeFieldsAPI{descs: []classifieds.FieldDescriptor{
			{ID: "7", Name: "Extras", Type: "checkbox_multiple"},
			{ID: "8", Name: "Mileage", Type: "number", Required: true},
		}},
	}
	loader := fields.NewLoader(fields.NewCache(store, 0, discard()), h.fields, discard())
	h.svc = New(Config{
		Drafts:  h.drafts,
		Fields:  loader,
		Session: sessionFunc(func() (auth.Credentials, error) { return h.session.creds, h.session.err }),
		API:     h.api,
		Store:   store,
		Events:  h.events,
		OpenPhoto: func(p draft.Photo) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("bytes-of-" + p.URI)), nil
		},
		Logger: discard(),
	})
	return h
}

type sessionFunc func() (auth.Credentials, error)

func (f sessionFunc) Resolve(context.Context) (auth.Credentials, error) { return f() }

func ptr[T any](v T) *T { return &v }

func (h *harness) fillValidDraft(t *testing.T) {
	t.Helper()
	h.drafts.PatchBase(draft.BasePatch{
		CategoryID:  ptr("12"),
		PostTypeID:  ptr("1"),
		Title:       ptr("Bike"),
		Description: ptr("Barely used"),
		ContactName: ptr("Ana"),
		AuthField:   ptr(draft.AuthPhone),
		Phone:       ptr("555"),
		CityID:      ptr("3"),
		CountryCode: ptr("US"),
		Price:       ptr(int64(120)),
		AcceptTerms: ptr(true),
	})
	h.drafts.SetTags([]string{"bike", "road"})
	_, err := h.svc.LoadFields(context.Background())
	require.NoError(t, err)
	_, err = h.svc.CommitFields(context.Background(), fields.Values{
		"7": fields.List("abs", "gps"),
		"8": fields.String("1200"),
	})
	require.NoError(t, err)
	h.drafts.AddPhotos([]draft.Photo{{URI: "a.jpg"}, {URI: "b.jpg"}, {URI: "c.jpg"}})
	h.drafts.SetPrimary("c.jpg")
}

func TestSubmitBuildsOneMultipartRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fillValidDraft(t)
	require.NoError(t, h.svc.SavePendingPhotos(ctx, h.drafts.Current().Photos))
	require.NoError(t, h.svc.SaveCity(ctx, City{ID: "3", Name: "Austin", CountryCode: "US"}))

	post, err := h.svc.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, classifieds.ID("501"), post.ID)
	assert.Equal(t, "tok", h.api.token)

	form := h.api.form
	var names []string
	for _, f := range form.Fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{
		"category_id", "post_type_id", "title", "description", "contact_name",
		"auth_field", "phone", "city_id", "country_code", "price", "negotiable",
		"accept_terms", "tags", "cf[7][]", "cf[7][]", "cf[8]",
	}, names)
	tags, _ := form.Value("tags")
	assert.Equal(t, "bike,road", tags)
	price, _ := form.Value("price")
	assert.Equal(t, "120", price)

	require.Len(t, form.Files, 3)
	assert.Equal(t, "c.jpg", form.Files[0].Name, "primary photo first")
	assert.Equal(t, "a.jpg", form.Files[1].Name)
	assert.Equal(t, "pictures[]", form.Files[0].Field)
	assert.Equal(t, "bytes-of-c.jpg", h.api.files["c.jpg"])

	// Wizard state is gone after success
	assert.Equal(t, draft.Draft{}, h.drafts.Current())
	photos, err := h.svc.LoadPendingPhotos(ctx)
	require.NoError(t, err)
	assert.Nil(t, photos)
	city, err := h.svc.LoadCity(ctx)
	require.NoError(t, err)
	assert.Nil(t, city)

	got := h.events.Events()
	require.Len(t, got, 1)
	assert.Equal(t, events.SubjectDraftSubmitted, got[0].Subject)
}

func TestSubmitRequiresLogin(t *testing.T) {
	h := newHarness(t)
	h.fillValidDraft(t)
	h.session.err = auth.ErrNoToken

	_, err := h.svc.Submit(context.Background())
	assert.ErrorIs(t, err, ErrLoginRequired)
	assert.Nil(t, h.api.form, "nothing sent")
	assert.NotEmpty(t, h.drafts.Current().Photos, "draft kept")
}

func TestSubmitFailureKeepsDraft(t *testing.T) {
	h := newHarness(t)
	h.fillValidDraft(t)
	h.api.err = &api.StatusError{StatusCode: 422, Message: "Invalid.", Fields: map[string][]string{"title": {"Too short."}}}

	_, err := h.svc.Submit(context.Background())
	require.Error(t, err)
	var se *api.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "Invalid. Too short.", se.Messages())
	assert.Equal(t, "Bike", h.drafts.Current().Base.Title)
}

func TestCommitFieldsValidates(t *testing.T) {
	h := newHarness(t)
	h.drafts.PatchBase(draft.BasePatch{CategoryID: ptr("12")})
	_, err := h.svc.LoadFields(context.Background())
	require.NoError(t, err)

	_, err = h.svc.CommitFields(context.Background(), fields.Values{"8": fields.String(" ")})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.ErrorIs(t, err, ErrInvalidField)
	assert.Equal(t, map[string]string{"8": "Mileage is required"}, ve.Fields)
	assert.Nil(t, h.drafts.Current().DynamicValues, "draft untouched")
}

func TestLoadFieldsNeedsCategory(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.LoadFields(context.Background())
	assert.ErrorIs(t, err, ErrInvalidField)
	assert.Equal(t, 0, h.fields.calls)
}

func TestLoadFieldsReusesCommittedAnswers(t *testing.T) {
	h := newHarness(t)
	h.fillValidDraft(t)
	h.drafts.SetDynamicValues(nil)

	schema, err := h.svc.LoadFields(context.Background())
	require.NoError(t, err)
	assert.True(t, schema.FromCache)
	assert.Equal(t, 1, h.fields.calls)
	assert.Equal(t, "1200", schema.Values["8"].Text())
}

func TestValidateBase(t *testing.T) {
	valid := draft.BaseForm{
		CategoryID: "1", Title: "t", Description: "d", AuthField: draft.AuthEmail,
		Email: "a@b.c", CityID: "3", AcceptTerms: true, Tags: "ab,cd",
	}
	require.NoError(t, ValidateBase(valid))

	tests := []struct {
		name  string
		edit  func(b *draft.BaseForm)
		field string
	}{
		{name: "no title", edit: func(b *draft.BaseForm) { b.Title = " " }, field: "title"},
		{name: "bad email", edit: func(b *draft.BaseForm) { b.Email = "nope" }, field: "email"},
		{name: "no contact method", edit: func(b *draft.BaseForm) { b.AuthField = "" }, field: "auth_field"},
		{name: "negative price", edit: func(b *draft.BaseForm) { b.Price = -1 }, field: "price"},
		{name: "raw tags", edit: func(b *draft.BaseForm) { b.Tags = "a,cd" }, field: "tags"},
		{name: "terms", edit: func(b *draft.BaseForm) { b.AcceptTerms = false }, field: "accept_terms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := valid
			tt.edit(&b)
			var ve *ValidationError
			require.ErrorAs(t, ValidateBase(b), &ve)
			assert.Contains(t, ve.Fields, tt.field)
		})
	}
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.svc.SavePendingPhotos(ctx, []draft.Photo{{URI: "x.jpg"}}))
	require.NoError(t, h.store.Save(ctx, SelectedCityKey, City{ID: "9", Name: "Lyon", CountryCode: "FR"}))

	require.NoError(t, h.svc.Restore(ctx))
	d := h.drafts.Current()
	require.Len(t, d.Photos, 1)
	assert.Equal(t, "x.jpg", d.Primary)
	assert.Equal(t, "Lyon", d.Base.CityName)
}

func TestReviewCombinesBaseAndFieldProblems(t *testing.T) {
	h := newHarness(t)
	h.drafts.PatchBase(draft.BasePatch{CategoryID: ptr("12")})
	_, err := h.svc.LoadFields(context.Background())
	require.NoError(t, err)

	err = h.svc.Review()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "title")
	assert.Contains(t, ve.Fields, "accept_terms")
	assert.Equal(t, "Mileage is required", ve.Fields["8"])

	h.fillValidDraft(t)
	assert.NoError(t, h.svc.Review())
}

func TestDiscardClearsWizardState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.drafts.AddPhotos([]draft.Photo{{URI: "a.jpg"}})
	require.NoError(t, h.svc.SavePendingPhotos(ctx, h.drafts.Current().Photos))
	require.NoError(t, h.svc.SaveCity(ctx, City{ID: "3", Name: "Austin"}))

	d := h.svc.Discard(ctx)
	assert.Equal(t, draft.Draft{}, d)

	photos, err := h.svc.LoadPendingPhotos(ctx)
	require.NoError(t, err)
	assert.Nil(t, photos)
	city, err := h.svc.LoadCity(ctx)
	require.NoError(t, err)
	assert.Nil(t, city)
	assert.Empty(t, h.events.Events(), "discarding publishes nothing")
}
