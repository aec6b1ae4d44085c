// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later

package recovery

// wordList is the 256 entry list recovery phrases are generated from.
// Every word is at least four characters so generated phrases score
// full marks with PhraseStrength.  The list must never be reordered:
// phrases are remembered by users, not re-derived, but keeping it
// stable avoids confusing documentation and support.
var wordList = [256]string{
	"abandon", "absorb", "accent", "account", "acoustic", "acquire", "actress", "address",
	"advance", "against", "airport", "alcohol", "almond", "already", "amateur", "ancient",
	"anchor", "animal", "another", "antenna", "antique", "anxiety", "apology", "approve",
	"arctic", "arena", "armor", "arrange", "arrival", "artefact", "artist", "aspect",
	"asthma", "athlete", "atlas", "attack", "auction", "august", "aunt", "author",
	"autumn", "avocado", "awake", "awesome", "awkward", "bacon", "balance", "balcony",
	"bamboo", "banana", "banner", "bargain", "barrel", "basket", "battle", "beach",
	"beauty", "because", "become", "belief", "benefit", "betray", "better", "between",
	"beyond", "bicycle", "biology", "birthday", "biscuit", "bitter", "blanket", "blossom",
	"board", "bonus", "border", "borrow", "bottom", "bounce", "bracket", "brave",
	"breeze", "brick", "bridge", "bright", "broccoli", "bronze", "brother", "brush",
	"bubble", "buffalo", "builder", "burden", "burst", "business", "butter", "buyer",
	"cabbage", "cabin", "cable", "cactus", "camera", "campaign", "canal", "candy",
	"cannon", "canvas", "canyon", "capital", "captain", "carbon", "cargo", "carpet",
	"castle", "casual", "catalog", "cattle", "caution", "ceiling", "celery", "cement",
	"census", "century", "cereal", "certain", "chair", "chalk", "champion", "change",
	"chapter", "charge", "cheese", "cherry", "chicken", "child", "chimney", "choice",
	"chorus", "chronic", "church", "cinnamon", "circle", "citizen", "claim", "clarify",
	"clever", "client", "climate", "clock", "cluster", "coach", "coast", "coconut",
	"coffee", "collect", "color", "column", "comfort", "comic", "common", "company",
	"concert", "conduct", "confirm", "congress", "connect", "consider", "control", "convince",
	"copper", "coral", "corner", "correct", "cotton", "couch", "country", "couple",
	"course", "cousin", "cover", "coyote", "cradle", "craft", "crane", "crater",
	"crazy", "cream", "credit", "creek", "cricket", "crisp", "critic", "cross",
	"crouch", "crowd", "crucial", "cruise", "crumble", "crunch", "crystal", "culture",
	"cupboard", "curious", "current", "curtain", "curve", "cushion", "custom", "cycle",
	"dawn", "debate", "decade", "december", "decline", "decorate", "decrease", "defense",
	"define", "degree", "delay", "deliver", "demand", "dentist", "deposit", "depth",
	"describe", "desert", "design", "desk", "despair", "destroy", "detail", "detect",
	"device", "diagram", "diamond", "diary", "diesel", "differ", "digital", "dignity",
	"dilemma", "dinner", "dinosaur", "direct", "disagree", "discover", "disease", "dismiss",
	"disorder", "display", "distance", "divert", "divide", "dizzy", "doctor", "document",
}
