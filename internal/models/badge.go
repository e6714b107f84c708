package models

// ThreadBadge 会话角标：有关联求助时以求助状态为准，否则取最近一条消息的状态
func ThreadBadge(messages []*Message, request *EmergencyRequest) string {
	if request != nil {
		return string(request.Status)
	}
	var latest *Message
	for _, m := range messages {
		if m == nil {
			continue
		}
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) {
			latest = m
		}
	}
	if latest == nil {
		return string(MessagePending)
	}
	return string(latest.Status)
}
