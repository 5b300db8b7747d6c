// Package draft holds the in-progress listing while the posting wizard runs.
package draft

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"classifieds-sync/fields"
)

// Contact methods for BaseForm.AuthField.
const (
	AuthEmail = "email"
	AuthPhone = "phone"
)

// BaseForm is the fixed part of a listing.
type BaseForm struct {
	CategoryID   string `json:"category_id"`
	PostTypeID   string `json:"post_type_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	ContactName  string `json:"contact_name"`
	AuthField    string `json:"auth_field"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	PhoneCountry string `json:"phone_country,omitempty"`
	CityID       string `json:"city_id"`
	CityName     string `json:"city_name"`
	CountryCode  string `json:"country_code"`
	Price        int64  `json:"price"`
	Negotiable   bool   `json:"negotiable"`
	AcceptTerms  bool   `json:"accept_terms"`
	Tags         string `json:"tags"`
}

// BasePatch is a partial BaseForm. Nil fields are left unchanged.
type BasePatch struct {
	CategoryID   *string `json:"category_id,omitempty"`
	PostTypeID   *string `json:"post_type_id,omitempty"`
	Title        *string `json:"title,omitempty"`
	Description  *string `json:"description,omitempty"`
	ContactName  *string `json:"contact_name,omitempty"`
	AuthField    *string `json:"auth_field,omitempty"`
	Email        *string `json:"email,omitempty"`
	Phone        *string `json:"phone,omitempty"`
	PhoneCountry *string `json:"phone_country,omitempty"`
	CityID       *string `json:"city_id,omitempty"`
	CityName     *string `json:"city_name,omitempty"`
	CountryCode  *string `json:"country_code,omitempty"`
	Price        *int64  `json:"price,omitempty"`
	Negotiable   *bool   `json:"negotiable,omitempty"`
	AcceptTerms  *bool   `json:"accept_terms,omitempty"`
	Tags         *string `json:"tags,omitempty"`
}

func (p BasePatch) apply(b BaseForm) BaseForm {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&b.CategoryID, p.CategoryID)
	set(&b.PostTypeID, p.PostTypeID)
	set(&b.Title, p.Title)
	set(&b.Description, p.Description)
	set(&b.ContactName, p.ContactName)
	set(&b.AuthField, p.AuthField)
	set(&b.Email, p.Email)
	set(&b.Phone, p.Phone)
	set(&b.PhoneCountry, p.PhoneCountry)
	set(&b.CityID, p.CityID)
	set(&b.CityName, p.CityName)
	set(&b.CountryCode, p.CountryCode)
	set(&b.Tags, p.Tags)
	if p.Price != nil {
		b.Price = *p.Price
	}
	if p.Negotiable != nil {
		b.Negotiable = *p.Negotiable
	}
	if p.AcceptTerms != nil {
		b.AcceptTerms = *p.AcceptTerms
	}
	return b
}

// Draft is one listing in progress. Values returned by Store are copies.
type Draft struct {
	Base          BaseForm            `json:"base"`
	FieldsMeta    []fields.Descriptor `json:"fields_meta"`
	DynamicValues fields.Values       `json:"dynamic_values"`
	Photos        []Photo             `json:"photos"`
	Primary       string              `json:"primary,omitempty"`
}

func (d Draft) clone() Draft {
	d.FieldsMeta = slices.Clone(d.FieldsMeta)
	d.DynamicValues = d.DynamicValues.Clone()
	d.Photos = slices.Clone(d.Photos)
	return d
}

// HasPhoto reports whether key names a photo by key, URI or id.
func (d Draft) HasPhoto(key string) bool {
	return d.photoIndex(key) >= 0
}

func (d Draft) photoIndex(key string) int {
	if key == "" {
		return -1
	}
	for i, p := range d.Photos {
		if p.matches(key) {
			return i
		}
	}
	return -1
}

// OrderedPhotos returns the photos in submission order: the primary photo
// first when it is one of the photos, then the rest in draft order.
func (d Draft) OrderedPhotos() []Photo {
	i := d.photoIndex(d.Primary)
	if i <= 0 {
		return slices.Clone(d.Photos)
	}
	out := make([]Photo, 0, len(d.Photos))
	out = append(out, d.Photos[i])
	out = append(out, d.Photos[:i]...)
	return append(out, d.Photos[i+1:]...)
}

// Tags returns the stored tags as a list.
func (d Draft) Tags() []string {
	if d.Base.Tags == "" {
		return nil
	}
	return strings.Split(d.Base.Tags, ",")
}

// Store is the single draft of a posting session. Every update replaces the
// aggregate with a modified copy and notifies subscribers.
type Store struct {
	mu     sync.Mutex
	draft  Draft
	subs   map[int]func(Draft)
	nextID int
}

// NewStore returns a store holding an empty draft.
func NewStore() *Store {
	return &Store{subs: make(map[int]func(Draft))}
}

// Current returns a copy of the draft.
func (s *Store) Current() Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.clone()
}

// Subscribe registers fn to be called with every new draft. The returned
// function unregisters it.
func (s *Store) Subscribe(fn func(Draft)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// update applies fn to a copy of the draft, stores it and notifies.
func (s *Store) update(fn func(d *Draft)) Draft {
	s.mu.Lock()
	next := s.draft.clone()
	fn(&next)
	s.draft = next

	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(Draft), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	s.mu.Unlock()

	for _, notify := range subs {
		notify(next.clone())
	}
	return next.clone()
}

// PatchBase shallow-merges p into the base form. No validation is done.
func (s *Store) PatchBase(p BasePatch) Draft {
	return s.update(func(d *Draft) {
		d.Base = p.apply(d.Base)
	})
}

// SetFieldsMeta replaces the dynamic field schema.
func (s *Store) SetFieldsMeta(meta []fields.Descriptor) Draft {
	return s.update(func(d *Draft) {
		d.FieldsMeta = slices.Clone(meta)
	})
}

// SetDynamicValues replaces the dynamic answers.
func (s *Store) SetDynamicValues(values fields.Values) Draft {
	return s.update(func(d *Draft) {
		d.DynamicValues = values.Clone()
	})
}

// SetTags normalizes tags and stores them comma-joined.
func (s *Store) SetTags(tags []string) Draft {
	normalized := NormalizeTags(tags)
	return s.update(func(d *Draft) {
		d.Base.Tags = normalized
	})
}

// SetTagsString is SetTags for comma-separated input.
func (s *Store) SetTagsString(tags string) Draft {
	return s.SetTags(strings.Split(tags, ","))
}

// AddPhotos appends photos that are not already present, matching by
// fingerprint or by key. If no primary is set the first photo becomes
// primary.
func (s *Store) AddPhotos(photos []Photo) Draft {
	return s.update(func(d *Draft) {
		keys := make(map[string]bool, len(d.Photos))
		prints := make(map[string]bool, len(d.Photos))
		for _, p := range d.Photos {
			keys[p.Key] = true
			if p.Fingerprint != "" {
				prints[p.Fingerprint] = true
			}
		}
		for _, p := range photos {
			p = p.normalize()
			if keys[p.Key] || (p.Fingerprint != "" && prints[p.Fingerprint]) {
				continue
			}
			keys[p.Key] = true
			if p.Fingerprint != "" {
				prints[p.Fingerprint] = true
			}
			d.Photos = append(d.Photos, p)
		}
		if d.Primary == "" && len(d.Photos) > 0 {
			d.Primary = d.Photos[0].Key
		}
	})
}

// RemovePhoto removes the photo matching key by key, URI or id. Removing the
// primary photo promotes the new first photo, or clears primary when none
// remain.
func (s *Store) RemovePhoto(key string) Draft {
	return s.update(func(d *Draft) {
		i := d.photoIndex(key)
		if i < 0 {
			return
		}
		removed := d.Photos[i]
		d.Photos = slices.Delete(d.Photos, i, i+1)
		switch {
		case len(d.Photos) == 0:
			d.Primary = ""
		case removed.matches(d.Primary):
			d.Primary = d.Photos[0].Key
		}
	})
}

// SetPrimary sets the primary photo. key is not checked against the photos;
// a non-member is stored as is and ignored when ordering for submission.
func (s *Store) SetPrimary(key string) Draft {
	return s.update(func(d *Draft) {
		if i := d.photoIndex(key); i >= 0 {
			key = d.Photos[i].Key
		}
		d.Primary = key
	})
}

// Reset restores the empty draft.
func (s *Store) Reset() Draft {
	return s.update(func(d *Draft) {
		*d = Draft{}
	})
}
