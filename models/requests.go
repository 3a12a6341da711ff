package models

// Chat_Request is the body of a streamed chat turn. History is always read
// back from the store on the server; the client only sends the new turn.
type Chat_Request struct {
	Conversation_ID string `json:"conversation_id"`
	Content         string `json:"content"`
	// Image_Data_URL optionally attaches an uploaded image to this turn.
	Image_Data_URL string `json:"image_data_url,omitempty"`
	// Whiteboard_Data_URL optionally attaches the exported whiteboard image.
	Whiteboard_Data_URL string `json:"whiteboard_data_url,omitempty"`
	// Practice_Session_ID links this turn to a finished quiz so the tutor
	// can discuss the results.
	Practice_Session_ID *uint `json:"practice_session_id,omitempty"`
}

// Practice_Request asks for a generated set of practice problems
type Practice_Request struct {
	Topic           string `json:"topic"`
	Count           int    `json:"count"`
	Conversation_ID string `json:"conversation_id,omitempty"`
	// Difficulty is optional; when empty it is inferred from the topic.
	Difficulty string `json:"difficulty,omitempty"`
}

// TTS_Request asks for synthesized speech
type TTS_Request struct {
	Text string `json:"text"`
}

// Vision_Request asks for a description of a whiteboard image
type Vision_Request struct {
	Image_Data_URL  string `json:"image_data_url"`
	Conversation_ID string `json:"conversation_id,omitempty"`
}
