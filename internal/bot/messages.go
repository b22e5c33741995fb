package bot

// User-facing copy. Readings themselves are generated in the user's language;
// the bot chrome stays in English.
const (
	MsgWelcome = "Welcome to Arcana. Send a clear photo of your palm and I will read it for you."

	MsgBonusGranted = "A free single-topic reading has been added to your account."

	MsgPickFacet   = "What would you like the reading to focus on?"
	MsgPickPersona = "Who should read your palm?"

	MsgPlaceholder = "Reading your palm..."

	MsgNoCredits = "You have no credits left for this kind of reading. Use /balance to check your account."

	MsgSessionExpired = "That reading session is no longer available. Send a new palm photo to start over."

	MsgFacetCovered = "That topic is already covered for this palm. Pick another one."

	MsgSendPhotoFirst = "Send a palm photo first, then pick a topic."

	MsgSomethingWrong = "Something went wrong on our side. Your credits were not touched; please try again."

	MsgRetopicPrompt = "Want to explore another side of this palm?"

	MsgTooFast = "Easy there. Give the cards a moment; try again in a minute."
)

// FallbackRejectionMessage is sent when a photo fails validation and a
// personalized note is unavailable.
const FallbackRejectionMessage = "I could not find a palm in that photo. Please send a clear, well-lit photo of your open palm."

// FinalFailureMessage is the terminal apology after all delivery attempts of
// a job are exhausted.
const FinalFailureMessage = "I was unable to finish your reading. Your credits were not charged; please try again later."
