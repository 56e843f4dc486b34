package models

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

// **Feature: evidence-plane, Property 5: Generated slugs are valid**
// *For any* display name, the generated slug SHALL be empty or a valid slug,
// and generating again SHALL not change it.
func TestPropertyGeneratedSlugsAreValid(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genName := gen.OneGenOf(
		gen.AnyString(),
		gen.RegexMatch(`[A-Za-z0-9 _#./-]{0,90}`),
	)

	properties.Property("slug is valid and idempotent", prop.ForAll(
		func(name string) bool {
			slug := GenerateSlug(name)
			if slug == "" {
				return true
			}
			return ValidSlug(slug) && GenerateSlug(slug) == slug
		},
		genName,
	))

	properties.TestingRun(t)
}

// **Feature: evidence-plane, Property 6: Status matches the version pointer**
// *For any* secret, CheckPointer SHALL accept it iff it is sealed with a
// current version or a draft without one.
func TestPropertyStatusMatchesPointer(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("pointer set iff sealed", prop.ForAll(
		func(status SecretStatus, pointer string) bool {
			s := &Secret{Status: status}
			if pointer != "" {
				s.CurrentVersionID = &pointer
			}
			want := (status == SecretStatusSealed && pointer != "") ||
				(status == SecretStatusDraft && pointer == "")
			return (s.CheckPointer() == nil) == want
		},
		gen.OneConstOf(SecretStatusDraft, SecretStatusSealed, SecretStatus("archived")),
		gen.OneConstOf("", "7d9c1e52-4d0b-4bb2-a0b8-1f4b6f0c9a11"),
	))

	properties.TestingRun(t)
}

func TestGenerateSlug(t *testing.T) {
	tests := map[string]string{
		"Catalyst Formula #7":  "catalyst-formula-7",
		"  Acme__Labs  ":       "acme-labs",
		"--edge--case--":       "edge-case",
		"Résumé":               "rsum",
		strings.Repeat("a", 80): strings.Repeat("a", 63),
	}
	for in, want := range tests {
		assert.Equal(t, want, GenerateSlug(in), in)
	}
}

func TestSecretValidate(t *testing.T) {
	valid := func() *Secret {
		return &Secret{OrgID: "org", Title: "Formula", Classification: ClassificationRestricted, Status: SecretStatusDraft}
	}

	assert.NoError(t, valid().Validate())

	s := valid()
	s.Title = "   "
	assert.ErrorIs(t, s.Validate(), ErrSecretTitleRequired)

	s = valid()
	s.Title = strings.Repeat("x", 256)
	assert.ErrorIs(t, s.Validate(), ErrSecretTitleTooLong)

	s = valid()
	s.OrgID = ""
	assert.ErrorIs(t, s.Validate(), ErrSecretOrgRequired)

	s = valid()
	s.Classification = "public"
	assert.ErrorIs(t, s.Validate(), ErrInvalidClassification)

	s = valid()
	s.Status = SecretStatusSealed
	assert.ErrorIs(t, s.Validate(), ErrSecretPointerInconsistent)
}

func TestOrganizationValidateDerivesSlug(t *testing.T) {
	o := &Organization{Name: "Acme Labs"}
	assert.NoError(t, o.Validate())
	assert.Equal(t, "acme-labs", o.Slug)

	assert.ErrorIs(t, (&Organization{Name: " "}).Validate(), ErrOrgNameRequired)
	assert.ErrorIs(t, (&Organization{Name: "x", Slug: "Bad Slug"}).Validate(), ErrOrgInvalidSlug)
	assert.ErrorIs(t, (&Organization{Name: "###"}).Validate(), ErrOrgInvalidSlug)
}

func TestRoleValid(t *testing.T) {
	for _, r := range []Role{RoleOwner, RoleAdmin, RoleEditor, RoleViewer} {
		assert.True(t, r.Valid(), r)
	}
	assert.False(t, Role("superuser").Valid())
}

func TestVersionSummary(t *testing.T) {
	v := &Version{ID: "v1", VersionNumber: 3, SHA256: "ab", EIDASQTS: []byte{1}}
	s := v.Summary()
	assert.Equal(t, 3, s.VersionNumber)
	assert.True(t, s.HasQualified)
}
