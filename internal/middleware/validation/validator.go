package validation

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Clinical text legitimately contains words like "select" or "drop"
// ("drop foot"), so only markup injection is rejected.
var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror\s*=|onload\s*=|onclick\s*=)`)

type Config struct {
	MaxQueryLength      int
	MaxDocumentSize     int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 2000
	}
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 5 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		method := c.Method()
		if method != fiber.MethodPost && method != fiber.MethodPut && method != fiber.MethodPatch {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		path := c.Path()
		switch {
		case strings.HasSuffix(path, "/query"):
			return validateQuery(c, cfg)
		case strings.HasSuffix(path, "/knowledge/documents"):
			return validateDocument(c, cfg)
		}
		return c.Next()
	}
}

func validateQuery(c *fiber.Ctx, cfg Config) error {
	var req map[string]interface{}
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return reject(c, fiber.StatusBadRequest, "Invalid JSON format", "")
	}

	text, ok := req["text"].(string)
	if !ok || strings.TrimSpace(text) == "" {
		return reject(c, fiber.StatusBadRequest, "text is required and must be a string", "text")
	}
	if utf8.RuneCountInString(text) > cfg.MaxQueryLength {
		return reject(c, fiber.StatusBadRequest, "text exceeds maximum length", "text")
	}
	if strings.ContainsRune(text, '\x00') {
		return reject(c, fiber.StatusBadRequest, "text contains invalid characters", "text")
	}
	if containsXSS(text) {
		cfg.Logger.Warn("Potential XSS attempt",
			zap.String("ip", c.IP()),
			zap.String("path", c.Path()),
		)
		return reject(c, fiber.StatusBadRequest, "Invalid query content", "text")
	}

	return c.Next()
}

func validateDocument(c *fiber.Ctx, cfg Config) error {
	if len(c.Body()) > cfg.MaxDocumentSize {
		return reject(c, fiber.StatusRequestEntityTooLarge, "Document exceeds maximum size", "html")
	}

	var req map[string]interface{}
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return reject(c, fiber.StatusBadRequest, "Invalid JSON format", "")
	}

	urlStr, ok := req["url"].(string)
	if !ok || urlStr == "" {
		return reject(c, fiber.StatusBadRequest, "url is required and must be a string", "url")
	}
	if !isValidURL(urlStr) {
		return reject(c, fiber.StatusBadRequest, "Invalid URL format", "url")
	}

	if html, ok := req["html"].(string); !ok || strings.TrimSpace(html) == "" {
		return reject(c, fiber.StatusBadRequest, "html is required and must be a string", "html")
	}

	return c.Next()
}

func reject(c *fiber.Ctx, status int, msg, field string) error {
	body := fiber.Map{"error": msg}
	if field != "" {
		body["field"] = field
	}
	return c.Status(status).JSON(body)
}

func allowedType(contentType string, allowed []string) bool {
	for _, a := range allowed {
		if strings.Contains(contentType, a) {
			return true
		}
	}
	return false
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}

func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	return u.Host != ""
}
