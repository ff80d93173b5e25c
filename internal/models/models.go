package models

import "time"

const DefaultLanguage = "python"

/*** Durable session state (owned by the session store) ***/
type Session struct {
	ID        string    `json:"id"`
	Code      string    `json:"session_code"`
	Title     string    `json:"title,omitempty"`
	Language  string    `json:"language"`
	Text      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

/*** Presence state (owned by the hub, lifetime = one connection) ***/
type Position struct {
	Line   int `json:"line" validate:"min=0"`
	Column int `json:"column" validate:"min=0"`
}

type Selection struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

type Participant struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	Color       string     `json:"color"`
	Cursor      *Position  `json:"cursor,omitempty"`
	Selection   *Selection `json:"selection,omitempty"`
}

/*** Code execution ***/
type RunRequest struct {
	Language string `json:"language" validate:"required"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin,omitempty"`
}

type RunResult struct {
	Output string `json:"output"`
	Error  string `json:"error"`
}

/*** Code assistant ***/
type GenerateRequest struct {
	Prompt   string `json:"prompt"`
	Code     string `json:"code"`
	Language string `json:"language"`
}

type GenerateResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}
