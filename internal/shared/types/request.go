package types

// CreateFrameRequest is the optional body of POST /frames
type CreateFrameRequest struct {
	URL string `json:"url"`
}

// NavigateRequest is the body of POST /frames/:id/navigate
type NavigateRequest struct {
	URL string `json:"url" binding:"required"`
}
