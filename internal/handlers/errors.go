package handlers

// Error codes for the synchronous sign-in/subscribe path
const (
	ErrCodeInvalidState     = "invalid_state"
	ErrCodeExchangeFailed   = "exchange_failed"
	ErrCodeAccountLookup    = "account_lookup_failed"
	ErrCodeCredentialSave   = "credential_save_failed"
	ErrCodeSubscribeFailed  = "subscribe_failed"
	ErrCodeNotAuthenticated = "not_authenticated"
	ErrCodeUnknown          = "unknown_error"
)

// ErrorMessages maps error codes to user-facing messages
var ErrorMessages = map[string]string{
	ErrCodeInvalidState:     "Sign-in session expired or was tampered with. Please try again.",
	ErrCodeExchangeFailed:   "Could not complete sign-in with the identity provider. Please try again.",
	ErrCodeAccountLookup:    "Signed in, but the account details could not be retrieved.",
	ErrCodeCredentialSave:   "Failed to store your credentials. Please try again.",
	ErrCodeSubscribeFailed:  "Signed in, but the calendar subscription could not be created.",
	ErrCodeNotAuthenticated: "You must sign in before accessing your calendar.",
	ErrCodeUnknown:          "An unknown error occurred.",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code string) string {
	if msg, ok := ErrorMessages[code]; ok {
		return msg
	}
	return ErrorMessages[ErrCodeUnknown]
}
