package whatsapp

import (
	"errors"

	"github.com/citamed/citamed-platform/internal/config"
	"github.com/citamed/citamed-platform/pkg/logging"
)

// NewProviderFromConfig selects the outbound channel. "auto" prefers Meta when
// its credentials are present, then Twilio; an explicit provider name fails
// loudly when its credentials are missing.
func NewProviderFromConfig(cfg *config.Config, logger *logging.Logger) (Provider, error) {
	meta := MetaConfig{
		AccessToken:   cfg.MetaAccessToken,
		PhoneNumberID: cfg.MetaPhoneNumberID,
		APIVersion:    cfg.MetaAPIVersion,
	}
	twilio := TwilioConfig{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioFromNumber,
	}

	switch cfg.WhatsAppProvider {
	case "meta":
		return NewMetaProvider(meta, logger)
	case "twilio":
		return NewTwilioProvider(twilio, logger)
	case "", "auto":
		if meta.AccessToken != "" && meta.PhoneNumberID != "" {
			return NewMetaProvider(meta, logger)
		}
		if twilio.AccountSID != "" {
			return NewTwilioProvider(twilio, logger)
		}
		return nil, NewSendError(ErrNotConfigured, "auto",
			errors.New("no whatsapp provider credentials configured"))
	default:
		return nil, NewSendError(ErrNotConfigured, cfg.WhatsAppProvider,
			errors.New("unknown whatsapp provider"))
	}
}
