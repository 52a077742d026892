package notify

import (
	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/model"
)

// NewSenders builds one sender per configured channel. In-app delivery is
// always available; webhook channels are enabled by setting their URL.
func NewSenders(cfg config.NotificationsConfig, inbox *InAppSender) map[model.Channel]Sender {
	senders := map[model.Channel]Sender{
		model.ChannelInApp: inbox,
	}
	webhooks := map[model.Channel]string{
		model.ChannelEmail: cfg.EmailWebhook,
		model.ChannelSMS:   cfg.SMSWebhook,
		model.ChannelPush:  cfg.PushWebhook,
	}
	for ch, url := range webhooks {
		if url != "" {
			senders[ch] = NewWebhookSender(ch, url, cfg.RatePerSecond, 0)
		}
	}
	return senders
}
