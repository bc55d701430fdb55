package github

import "testing"

func TestIsValidRepoFullName(t *testing.T) {
	valid := []string{"octocat/hello-world", "a/b", "My_Org/repo.name", "user-1/x-2"}
	for _, s := range valid {
		if !IsValidRepoFullName(s) {
			t.Errorf("%q should be valid", s)
		}
	}
	invalid := []string{"", "bad-repo-name", "owner/", "/repo", "a/b/c", "owner repo", "owner/re po"}
	for _, s := range invalid {
		if IsValidRepoFullName(s) {
			t.Errorf("%q should be invalid", s)
		}
	}
}

func TestNormalizePathPrefix(t *testing.T) {
	cases := map[string]string{
		"":            "articles/",
		"  ":          "articles/",
		"notes":       "notes/",
		"notes/":      "notes/",
		"/notes":      "notes/",
		"/deep/path/": "deep/path/",
	}
	for in, want := range cases {
		if got := NormalizePathPrefix(in); got != want {
			t.Errorf("NormalizePathPrefix(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Hello World":          "hello-world",
		"  What's New in Go? ": "whats-new-in-go",
		"Café résumé":          "cafe-resume",
		"A -- B":               "a-b",
		"一篇中文标题":               "",
		"Go 1.23 发布了!":         "go-1-23",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q; want %q", in, got, want)
		}
	}
}
