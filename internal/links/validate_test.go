package links

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	v := MustValidator(DefaultRules())

	tests := []struct {
		name     string
		href     string
		expected string
		err      error
	}{
		{"relative item link", "/v/peugeot-206-type2/AaBbCcDd", "https://divar.ir/v/peugeot-206-type2/AaBbCcDd", nil},
		{"absolute same origin", "https://divar.ir/v/pride-131/QwErTy12", "https://divar.ir/v/pride-131/QwErTy12", nil},
		{"query stripped", "/v/pride-131/QwErTy12?source=list&page=2", "https://divar.ir/v/pride-131/QwErTy12", nil},
		{"fragment stripped", "/v/pride-131/QwErTy12#photos", "https://divar.ir/v/pride-131/QwErTy12", nil},
		{"vehicle marker", "/vehicle/samand-lx/ZxCvBn98", "https://divar.ir/vehicle/samand-lx/ZxCvBn98", nil},
		{"empty", "", "", ErrEmpty},
		{"whitespace", "   ", "", ErrEmpty},
		{"no item marker", "/about/company-info-page", "", ErrNoItemMarker},
		{"listing page", "/s/iran/car/v/peugeot", "", ErrListingMarker},
		{"category page", "/c/vehicles/v/cars-all", "", ErrListingMarker},
		{"login", "/login?next=/v/pride-131/QwErTy12", "", ErrDenylisted},
		{"signup", "/signup/v/pride-131", "", ErrDenylisted},
		{"search", "/search/v/pride-131", "", ErrDenylisted},
		{"filter", "/v/pride/filter-by-year", "", ErrDenylisted},
		{"foreign origin", "https://example.com/v/pride-131/QwErTy12", "", ErrForeignOrigin},
		{"protocol relative foreign origin", "//evil.example.com/v/peugeot-206-tip2/wXyZ1234", "", ErrForeignOrigin},
		{"protocol relative same origin", "//divar.ir/v/peugeot-206-tip2/wXyZ1234", "https://divar.ir/v/peugeot-206-tip2/wXyZ1234", nil},
		{"host case folded", "https://DIVAR.IR/v/peugeot-206-tip2/wXyZ1234", "https://divar.ir/v/peugeot-206-tip2/wXyZ1234", nil},
		{"scheme case folded", "HTTPS://divar.ir/v/peugeot-206-tip2/wXyZ1234", "https://divar.ir/v/peugeot-206-tip2/wXyZ1234", nil},
		{"too short raw", "/v/a", "", ErrTooShort},
		{"too short canonical", "/v/abcdefgh", "", ErrTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Validate(tt.href)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	v := MustValidator(DefaultRules())
	hrefs := []string{
		"/v/peugeot-206-type2/AaBbCcDd",
		"/v/peugeot-206-type2/AaBbCcDd?x=1",
		"/s/iran/car",
		"/login",
		"https://example.com/v/foreign-item/abcdef",
		"",
	}

	run := func() []string {
		set := NewSet()
		for _, h := range hrefs {
			if u, ok := v.Accept(h); ok {
				set.Add(u)
			}
		}
		return set.List()
	}

	first := run()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, run())
	}
	assert.Equal(t, []string{"https://divar.ir/v/peugeot-206-type2/AaBbCcDd"}, first)
}

func TestCanonicalKeyIgnoresHostCase(t *testing.T) {
	v := MustValidator(DefaultRules())
	set := NewSet()

	for _, href := range []string{
		"https://divar.ir/v/peugeot-206-tip2/wXyZ1234",
		"https://DIVAR.IR/v/peugeot-206-tip2/wXyZ1234",
		"https://Divar.Ir/v/peugeot-206-tip2/wXyZ1234?ref=list",
	} {
		u, ok := v.Accept(href)
		require.True(t, ok, href)
		set.Add(u)
	}

	assert.Equal(t, 1, set.Len())
}

func TestDenylistAlwaysRejects(t *testing.T) {
	v := MustValidator(DefaultRules())
	for _, deny := range DefaultRules().Denylist {
		href := "https://divar.ir/v/some-long-item-path" + deny + "/abcdef"
		_, ok := v.Accept(href)
		assert.False(t, ok, href)
	}
}

func TestSet(t *testing.T) {
	s := NewSet()
	assert.True(t, s.Add("a"))
	assert.False(t, s.Add("a"))
	assert.True(t, s.Add("b"))
	assert.True(t, s.Has("a"))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"a", "b"}, s.List())
}

func TestNewValidatorRejectsBadBase(t *testing.T) {
	_, err := NewValidator(Rules{BaseURL: "not a url"})
	assert.Error(t, err)
}
