package inspect

import "go.uber.org/zap"

// Validator bundles the screening steps with shared thresholds and logging.
type Validator struct {
	cfg    QualityConfig
	logger *zap.Logger
}

// NewValidator creates a Validator, filling unset thresholds with defaults.
func NewValidator(cfg QualityConfig, logger *zap.Logger) *Validator {
	def := DefaultQualityConfig()
	if cfg.MinLength <= 0 {
		cfg.MinLength = def.MinLength
	}
	if cfg.MinDensity <= 0 {
		cfg.MinDensity = def.MinDensity
	}
	if cfg.MaxBoilerplate <= 0 {
		cfg.MaxBoilerplate = def.MaxBoilerplate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{cfg: cfg, logger: logger}
}

// ScreenHTML runs hidden-content detection on raw markup and logs every
// stripped subtree.
func (v *Validator) ScreenHTML(url string, rawHTML []byte) (HiddenReport, error) {
	report, err := DetectHiddenContent(rawHTML)
	if err != nil {
		return HiddenReport{}, err
	}
	for _, f := range report.Findings {
		v.logger.Warn("hidden content stripped",
			zap.String("url", url),
			zap.String("detail", f.Detail),
			zap.String("match", f.Match))
	}
	return report, nil
}

// ScreenText scans extracted text for prompt-injection patterns and logs hits.
// High-severity matches are logged at error level.
func (v *Validator) ScreenText(url, content string) InjectionReport {
	report := ScanInjection(content)
	for _, f := range report.Findings {
		fields := []zap.Field{
			zap.String("url", url),
			zap.String("category", f.Category),
			zap.String("severity", string(f.Severity)),
			zap.String("match", f.Match),
		}
		if f.Severity == SeverityHigh {
			v.logger.Error("injection pattern matched", fields...)
		} else {
			v.logger.Warn("injection pattern matched", fields...)
		}
	}
	return report
}

// Quality applies the acceptance thresholds to extracted content.
func (v *Validator) Quality(content string, rawHTMLLen int) QualityReport {
	return ValidateQuality(content, rawHTMLLen, v.cfg)
}
