package catalog

import "testing"

func TestBaseDomain(t *testing.T) {
	cases := map[string]string{
		"chat.openai.com.":   "openai.com",
		"www.google.com":     "google.com",
		"api.anthropic.com.": "anthropic.com",
		"localhost":          "localhost",
		"":                   "",
	}
	for in, want := range cases {
		if got := BaseDomain(in); got != want {
			t.Errorf("BaseDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsAIProvider(t *testing.T) {
	if !IsAIProvider("openai.com") {
		t.Error("expected openai.com to be an AI provider")
	}
	if IsAIProvider("google.com") {
		t.Error("google.com should classify as search, not AI provider, to avoid collision")
	}
}

func TestBaseDomainKeepsThirdLabelForCopilot(t *testing.T) {
	if got := BaseDomain("www.copilot.microsoft.com"); got != "copilot.microsoft.com" {
		t.Errorf("BaseDomain(%q) = %q, want copilot.microsoft.com", "www.copilot.microsoft.com", got)
	}
	if !IsAIProvider(BaseDomain("copilot.microsoft.com")) {
		t.Error("expected copilot.microsoft.com to classify as an AI provider")
	}
	if IsAIProvider(BaseDomain("www.microsoft.com")) {
		t.Error("unrelated microsoft.com traffic should not classify as an AI provider")
	}
}

func TestIsSearchEngine(t *testing.T) {
	if !IsSearchEngine("google.com") {
		t.Error("expected google.com to be a search engine")
	}
	if IsSearchEngine("openai.com") {
		t.Error("openai.com should not classify as a search engine")
	}
}

func TestPrivateIPv4(t *testing.T) {
	cases := map[string]bool{
		"10.0.0.1":       true,
		"192.168.1.1":    true,
		"172.16.0.1":     true,
		"172.31.255.255": true,
		"172.32.0.1":     false,
		"8.8.8.8":        false,
		"not-an-ip":      false,
	}
	for in, want := range cases {
		if got := PrivateIPv4(in); got != want {
			t.Errorf("PrivateIPv4(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestIsBrowser(t *testing.T) {
	if !IsBrowser("chrome") {
		t.Error("expected chrome to classify as a browser")
	}
	if IsBrowser("bash") {
		t.Error("bash should not classify as a browser")
	}
}
