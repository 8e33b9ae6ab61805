package admission

import "testing"

func TestDefaultClassifierDuplicatePhrases(t *testing.T) {
	c := DefaultClassifier()
	duplicates := []string{
		"Subscriber Already Exists",
		"DUPLICATE entry",
		"This email already subscribed",
		"email already taken",
		"The subscriber already is in the list",
		"Already in group",
		"Email exists in account",
	}
	for _, text := range duplicates {
		if !c.Is(CategoryDuplicate, text) {
			t.Errorf("%q should classify as duplicate", text)
		}
	}
	for _, text := range []string{"The email must be a valid email address.", "Unauthenticated."} {
		if c.Is(CategoryDuplicate, text) {
			t.Errorf("%q shouldn't classify as duplicate", text)
		}
	}
}

func TestExtraDisposableDomains(t *testing.T) {
	c := DefaultClassifier("Trash.Example")
	if !c.Is(CategoryDisposable, "someone@trash.example") {
		t.Errorf("extra domains should be matched case-insensitively")
	}
	if !c.Is(CategoryDisposable, "someone@yopmail.com") {
		t.Errorf("built-in domains should still match")
	}
	if c.Is(CategoryDisposable, "no-at-sign") {
		t.Errorf("strings without a domain can't be disposable")
	}
}

func TestClassifierIsExtensible(t *testing.T) {
	c := NewClassifier().
		AddPhrase(CategoryDuplicate, "Already On List").
		Add(CategorySuspicious, func(s string) bool { return len(s) > 64 })
	if !c.Is(CategoryDuplicate, "subscriber already on list") {
		t.Errorf("custom phrase should match")
	}
	if c.Is(CategorySuspicious, "short@example.org") {
		t.Errorf("custom matcher shouldn't match short addresses")
	}
	if c.Is(CategoryDisposable, "a@mailinator.com") {
		t.Errorf("an empty category should never match")
	}
}

func TestEmailDomain(t *testing.T) {
	tests := map[string]string{
		"fan@Gmail.COM": "gmail.com",
		"fan@bücher.de": "xn--bcher-kva.de",
		"no-domain":     "",
		"trailing@":     "",
	}
	for email, want := range tests {
		if got := EmailDomain(email); got != want {
			t.Errorf("EmailDomain(%q) = %q, want %q", email, got, want)
		}
	}
}
