package labels_test

import (
	"reflect"
	"testing"

	"github.com/Jorineg/TeamworkMissiveConnector/labels"
)

const sampleYAML = `
project:
  - "proj/*"
  - "Kunde ?"
priority:
  - urgent
  - high
billing:
  - "re-*"
`

func TestCategorize(t *testing.T) {
	c, err := labels.Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	got := c.Categorize([]string{"proj/roof", "Urgent", "Kunde A", "misc"})
	want := map[string][]string{
		"project":  {"Kunde A", "proj/roof"},
		"priority": {"Urgent"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Categorize = %v, want %v", got, want)
	}
}

func TestCategorizeNoMatches(t *testing.T) {
	c, err := labels.Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Categorize([]string{"nothing", "matches"}); got != nil {
		t.Fatalf("Categorize = %v, want nil", got)
	}
	if got := c.Categorize(nil); got != nil {
		t.Fatalf("Categorize(nil) = %v, want nil", got)
	}
}

func TestEmptyPath(t *testing.T) {
	c, err := labels.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Categorize([]string{"anything"}); got != nil {
		t.Fatalf("empty categorizer matched %v", got)
	}
}

func TestBadPatternFailsAtParse(t *testing.T) {
	_, err := labels.Parse([]byte("broken:\n  - \"[unclosed\"\n"))
	if err == nil {
		t.Fatal("expected parse failure for malformed pattern")
	}
}

func TestBadYAML(t *testing.T) {
	_, err := labels.Parse([]byte("\t不是 yaml: ["))
	if err == nil {
		t.Fatal("expected parse failure for malformed yaml")
	}
}

func TestCategories(t *testing.T) {
	c, err := labels.Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"billing", "priority", "project"}
	if got := c.Categories(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Categories = %v, want %v", got, want)
	}
}
