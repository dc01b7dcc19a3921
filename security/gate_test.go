package security

import "testing"

func TestEvaluateIsPure(t *testing.T) {
	req := RequestProperties{CsrfToken: "tok"}
	sess := SessionFields{ProtectionMode: CsrfToken, CsrfTokens: map[string]string{"g": "tok"}}
	cfg := GateConfig{GroupID: "g"}

	first := Evaluate(req, sess, cfg)
	second := Evaluate(req, sess, cfg)
	if first != second {
		t.Fatalf("expected identical decisions for identical inputs, got %+v and %+v", first, second)
	}
	if !first.Allowed {
		t.Fatalf("expected allow, got %+v", first)
	}
}

func TestEvaluateCsrfTokenMissing(t *testing.T) {
	sess := SessionFields{ProtectionMode: CsrfToken, CsrfTokens: map[string]string{"g": "tok"}}
	d := Evaluate(RequestProperties{}, sess, GateConfig{GroupID: "g"})
	if d.Allowed || d.Reason != DenyTokenMissing {
		t.Fatalf("expected token-missing denial, got %+v", d)
	}
}

func TestEvaluateCsrfTokenInvalid(t *testing.T) {
	sess := SessionFields{ProtectionMode: CsrfToken, CsrfTokens: map[string]string{"g": "tok"}}
	d := Evaluate(RequestProperties{CsrfToken: "wrong"}, sess, GateConfig{GroupID: "g"})
	if d.Allowed || d.Reason != DenyTokenInvalid {
		t.Fatalf("expected token-invalid denial, got %+v", d)
	}
}

func TestEvaluateSafeSimpleGetAllowedWithoutOrigin(t *testing.T) {
	req := RequestProperties{CouldBeSimpleRequest: true, IsSimpleGET: true, MethodIsSafe: true}
	d := Evaluate(req, SessionFields{}, GateConfig{})
	if !d.Allowed {
		t.Fatalf("expected safe simple GET to be allowed, got %+v", d)
	}
}

func TestEvaluateUnsafeSimpleGetDenied(t *testing.T) {
	req := RequestProperties{CouldBeSimpleRequest: true, IsSimpleGET: true, MethodIsSafe: false}
	d := Evaluate(req, SessionFields{}, GateConfig{})
	if d.Allowed || d.Reason != DenyUnsafeSimpleRequest {
		t.Fatalf("expected denial with precise hint, got %+v", d)
	}
}

func TestEvaluateCorsReadTokenFallback(t *testing.T) {
	sess := SessionFields{ProtectionMode: CorsReadToken, CorsReadTokens: map[string]string{"g": "read-tok"}}
	cfg := GateConfig{GroupID: "g", AllowedOrigins: []string{"https://trusted.example"}}

	// Disallowed origin, no token: denied with a fetch hint.
	d := Evaluate(RequestProperties{Origin: "https://evil.example"}, sess, cfg)
	if d.Allowed || d.FetchTokenHint != "corsReadToken" {
		t.Fatalf("expected denial with corsReadToken fetch hint, got %+v", d)
	}

	// Disallowed origin, correct token: allowed.
	d = Evaluate(RequestProperties{Origin: "https://evil.example", CorsReadToken: "read-tok"}, sess, cfg)
	if !d.Allowed {
		t.Fatalf("expected allow with valid corsReadToken, got %+v", d)
	}

	// Allowed origin: allowed outright.
	d = Evaluate(RequestProperties{Origin: "https://trusted.example"}, sess, cfg)
	if !d.Allowed {
		t.Fatalf("expected allow for trusted origin, got %+v", d)
	}
}

func TestEvaluateBrowserSecurityIssueAlwaysDenied(t *testing.T) {
	req := RequestProperties{BrowserMightHaveSecurityIssue: true, CsrfToken: "tok"}
	sess := SessionFields{ProtectionMode: CsrfToken, CsrfTokens: map[string]string{"g": "tok"}}
	d := Evaluate(req, sess, GateConfig{GroupID: "g"})
	if d.Allowed || d.Reason != DenyBrowserSecurityIssue {
		t.Fatalf("expected unconditional denial, got %+v", d)
	}
}
