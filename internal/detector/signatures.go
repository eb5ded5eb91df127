package detector

import (
	"fmt"
	"regexp"

	"github.com/blackwall-project/blackwall/internal/core"
)

// Signature is one compiled detection pattern. Severity is fixed per
// signature; aggregation across findings is the decision policy's job.
type Signature struct {
	Name     string
	Category core.ThreatCategory
	Severity core.Severity
	Regex    *regexp.Regexp
}

func builtinSignatures() []Signature {
	return []Signature{
		// SQL Injection
		{Name: "sqli_union", Category: core.CategorySQLi, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(\bunion\b\s+(all\s+)?select\b)`)},
		{Name: "sqli_or_true", Category: core.CategorySQLi, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(\bor\b\s+[\d'"]+=\s*[\d'"]+|'\s*or\s*'[^']*'\s*=\s*'[^']*')`)},
		{Name: "sqli_comment", Category: core.CategorySQLi, Severity: core.SeverityMedium,
			Regex: regexp.MustCompile(`(?i)(--|#|/\*.*?\*/|;)\s*(drop|alter|delete|update|insert|create|exec|execute)\b`)},
		{Name: "sqli_stacked", Category: core.CategorySQLi, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i);\s*(drop|alter|truncate|delete\s+from|update\s+\w+\s+set|insert\s+into|create|exec|execute)\b`)},
		{Name: "sqli_sleep", Category: core.CategorySQLi, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(sleep\s*\(\s*\d+\s*\)|benchmark\s*\(\s*\d+|waitfor\s+delay\s+')`)},
		{Name: "sqli_extract", Category: core.CategorySQLi, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(extractvalue|updatexml|load_file|into\s+(out|dump)file)\s*\(`)},
		{Name: "sqli_information_schema", Category: core.CategorySQLi, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)(information_schema|sys\.objects|sysobjects|syscolumns|pg_catalog)`)},
		{Name: "sqli_hex_encode", Category: core.CategorySQLi, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(0x[0-9a-f]{8,}|char\s*\(\s*\d+(\s*,\s*\d+)+\s*\)|concat\s*\()`)},

		// Cross-Site Scripting
		{Name: "xss_script_tag", Category: core.CategoryXSS, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)<\s*script[^>]*>`)},
		{Name: "xss_event_handler", Category: core.CategoryXSS, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus|blur|submit|change|input|keyup|keydown|mouseout|dblclick|contextmenu|drag|drop)\s*=`)},
		{Name: "xss_javascript_uri", Category: core.CategoryXSS, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`)},
		{Name: "xss_img_tag", Category: core.CategoryXSS, Severity: core.SeverityMedium,
			Regex: regexp.MustCompile(`(?i)<\s*(img|iframe|embed|object|svg|math|video|audio|source)\b[^>]*(src|href|data|action)\s*=`)},
		{Name: "xss_style_expression", Category: core.CategoryXSS, Severity: core.SeverityMedium,
			Regex: regexp.MustCompile(`(?i)(expression\s*\(|url\s*\(\s*(javascript|data):)`)},
		{Name: "xss_dom_manipulation", Category: core.CategoryXSS, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(document\.(cookie|write|location|domain)|window\.(location|open)|\.innerHTML\s*=|eval\s*\()`)},

		// Command Injection
		{Name: "cmdi_pipe", Category: core.CategoryCommandInjection, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(\||\|\||&&|;|` + "`" + `)\s*(cat|ls|dir|whoami|id|uname|pwd|wget|curl|nc|ncat|bash|sh|cmd|powershell|python|perl|ruby|php)\b`)},
		{Name: "cmdi_subshell", Category: core.CategoryCommandInjection, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`\$\((cat|ls|whoami|id|uname|pwd|wget|curl|nc|bash|sh)\b`)},
		{Name: "cmdi_backtick", Category: core.CategoryCommandInjection, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile("`(cat|ls|whoami|id|uname|pwd|wget|curl|nc|bash|sh)\\b")},
		{Name: "cmdi_redirect", Category: core.CategoryCommandInjection, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(>\s*/etc/|>\s*/tmp/|<\s*/etc/passwd|/dev/(tcp|udp)/)`)},
		{Name: "cmdi_reverse_shell", Category: core.CategoryCommandInjection, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)(bash\s+-i\s+>&|nc\s+-[elp]|ncat\s+-|python\s+-c\s+.*socket|perl\s+-e\s+.*socket|ruby\s+-rsocket|php\s+-r\s+.*fsockopen)`)},

		// Path Traversal
		{Name: "path_traversal_dots", Category: core.CategoryPathTraversal, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(\.\.[\\/]|%2e%2e[\\/]|%252e%252e[\\/]|\.\.%2f|%2e%2e%2f){2,}`)},
		{Name: "path_sensitive_files", Category: core.CategoryPathTraversal, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)(/etc/(passwd|shadow|hosts|crontab)|/proc/self/|/windows/system32/|web\.config|\.env|\.git/config|\.htaccess|wp-config\.php)`)},
		{Name: "path_null_byte", Category: core.CategoryPathTraversal, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(%00|\\x00|\\0)`)},

		// Server-Side Request Forgery
		{Name: "ssrf_internal_ip", Category: core.CategorySSRF, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(https?://)?(127\.\d+\.\d+\.\d+|10\.\d+\.\d+\.\d+|172\.(1[6-9]|2\d|3[01])\.\d+\.\d+|192\.168\.\d+\.\d+|0\.0\.0\.0|localhost|0x7f|2130706433)`)},
		{Name: "ssrf_cloud_metadata", Category: core.CategorySSRF, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)(169\.254\.169\.254|metadata\.google\.internal|100\.100\.100\.200)`)},
		{Name: "ssrf_file_scheme", Category: core.CategorySSRF, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(file|gopher|dict|tftp)://`)},
		{Name: "ssrf_dns_rebind", Category: core.CategorySSRF, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(\.burpcollaborator\.net|\.oastify\.com|\.interact\.sh|\.requestbin\.|\.ngrok\.)`)},

		// XML External Entity
		{Name: "xxe_doctype_entity", Category: core.CategoryXXE, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)<!DOCTYPE[^>]*\[.*<!ENTITY|<!ENTITY\s+\w+\s+SYSTEM`)},
		{Name: "xxe_system_file", Category: core.CategoryXXE, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)SYSTEM\s+["'](file|http|ftp|expect|php)://`)},
		{Name: "xxe_parameter_entity", Category: core.CategoryXXE, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)<!ENTITY\s+%\s*\w+|%\w+;\s*\]>`)},
	}
}

// compileSignatures merges the built-in tables with config-supplied extras.
// The result is loaded once at construction and treated as immutable.
func compileSignatures(extra map[string][]core.SignatureConfig) ([]Signature, error) {
	sigs := builtinSignatures()

	for cat, entries := range extra {
		for _, sc := range entries {
			re, err := regexp.Compile(sc.Pattern)
			if err != nil {
				return nil, fmt.Errorf("compiling signature %q for category %q: %w", sc.Name, cat, err)
			}
			sigs = append(sigs, Signature{
				Name:     sc.Name,
				Category: core.ThreatCategory(cat),
				Severity: core.ParseSeverity(sc.Severity),
				Regex:    re,
			})
		}
	}

	return sigs, nil
}
