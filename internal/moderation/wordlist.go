package moderation

// defaultWords is the built-in deny list. Matching is exact per normalized
// word, so substrings inside clean words never trigger.
var defaultWords = []string{
	"arse",
	"arsehole",
	"asshole",
	"bastard",
	"bitch",
	"bollocks",
	"bullshit",
	"cock",
	"crap",
	"cunt",
	"damn",
	"dick",
	"dickhead",
	"douchebag",
	"fuck",
	"fucked",
	"fucker",
	"fucking",
	"goddamn",
	"jackass",
	"motherfucker",
	"piss",
	"prick",
	"shit",
	"shitty",
	"slut",
	"twat",
	"wanker",
	"whore",
}
