package notifier

import "testing"

func TestValidateWebhookURLRejectsBadScheme(t *testing.T) {
	if err := validateWebhookURL("file:///etc/passwd"); err == nil {
		t.Fatal("expected error for file:// scheme")
	}
}

func TestValidateWebhookURLRejectsLoopback(t *testing.T) {
	if err := validateWebhookURL("http://127.0.0.1/hook"); err == nil {
		t.Fatal("expected error for loopback host")
	}
}

func TestValidateWebhookURLRejectsPrivateIP(t *testing.T) {
	if err := validateWebhookURL("http://10.0.0.5/hook"); err == nil {
		t.Fatal("expected error for private ip")
	}
}

func TestValidateWebhookURLRejectsUnresolvableHost(t *testing.T) {
	if err := validateWebhookURL("http://this-host-does-not-exist.invalid/hook"); err == nil {
		t.Fatal("expected error for unresolvable host")
	}
}

func TestParseHTTPURLRequiresHost(t *testing.T) {
	if _, err := parseHTTPURL("http://"); err == nil {
		t.Fatal("expected error for missing host")
	}
}
