package rest

// gatewayWebhook is the Evolution-style payload posted by the WhatsApp
// gateway on messages.upsert events.
type gatewayWebhook struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Data     struct {
		Key struct {
			RemoteJid string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
			ID        string `json:"id"`
		} `json:"key"`
		PushName string `json:"pushName"`
		Message  struct {
			Conversation string `json:"conversation"`
			ExtendedTextMessage struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
		} `json:"message"`
		MessageTimestamp int64 `json:"messageTimestamp"`
	} `json:"data"`
}

// TestMessageRequest drives the synchronous test channel.
type TestMessageRequest struct {
	UserID string `json:"user_id" form:"user_id"`
	Text   string `json:"text" form:"text"`
}

// BlacklistRequest adds a user to the follow-up blacklist.
type BlacklistRequest struct {
	Reason string `json:"reason" form:"reason"`
}
