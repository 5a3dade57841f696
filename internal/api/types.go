package api

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
}

type SessionDTO struct {
	ID    string `json:"_id"`
	Title string `json:"title"`
}

type HistoryResponse struct {
	ChatSessions []SessionDTO `json:"chat_sessions"`
}

type MessageDTO struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

type SessionResponse struct {
	Messages []MessageDTO `json:"messages"`
}

type TitleRequest struct {
	Title string `json:"title"`
}

type NewChatResponse struct {
	ChatSessionID string `json:"chat_session_id"`
}

type ChatRequest struct {
	ChatSessionID string `json:"chat_session_id"`
	Message       string `json:"message"`
}

type ChatResponse struct {
	Response string `json:"response"`
}
