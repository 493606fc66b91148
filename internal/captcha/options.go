package captcha

import "math/rand/v2"

type option struct {
	Emoji string
	Name  string
}

var options = []option{
	{"🦄", "unicorn"},
	{"🔨", "hammer"},
	{"🐈", "cat"},
	{"⚓", "anchor"},
	{"🐬", "dolphin"},
	{"🍏", "apple"},
	{"⚽", "ball"},
	{"🐎", "horse"},
	{"🦆", "duck"},
	{"🦝", "raccoon"},
	{"🦉", "owl"},
	{"🐢", "turtle"},
	{"🦀", "crab"},
	{"🍌", "banana"},
	{"🍉", "watermelon"},
	{"⏰", "clock"},
	{"✈️", "plane"},
	{"🔪", "knife"},
	{"👕", "shirt"},
	{"✂️", "scissors"},
	{"🐋", "whale"},
	{"🐘", "elephant"},
	{"🦩", "flamingo"},
	{"🍿", "popcorn"},
	{"🦋", "butterfly"},
	{"👑", "crown"},
	{"💀", "skull"},
	{"🪃", "boomerang"},
	{"👂", "ear"},
}

// pick returns n distinct option indexes and one of them as the answer.
func pick(n int) ([]int, int) {
	n = min(max(n, 2), len(options))
	choices := rand.Perm(len(options))[:n]
	return choices, choices[rand.IntN(n)]
}
