package models

import "strings"

// Stage is one position in the fixed, ordered hero's journey progression.
type Stage string

const (
	StageOrdinaryWorld      Stage = "ordinary-world"
	StageCallToAdventure    Stage = "call-to-adventure"
	StageRefusal            Stage = "refusal"
	StageMeetingMentor      Stage = "meeting-mentor"
	StageCrossingThreshold  Stage = "crossing-threshold"
	StageTestsAlliesEnemies Stage = "tests-allies-enemies"
	StageApproach           Stage = "approach"
	StageOrdeal             Stage = "ordeal"
	StageReward             Stage = "reward"
	StageRoadBack           Stage = "road-back"
	StageResurrection       Stage = "resurrection"
	StageReturnWithElixir   Stage = "return-with-elixir"
)

// Stages lists every stage in journey order. The order matters: stage
// parsing scans this slice and the first lexicon hit wins.
var Stages = []Stage{
	StageOrdinaryWorld,
	StageCallToAdventure,
	StageRefusal,
	StageMeetingMentor,
	StageCrossingThreshold,
	StageTestsAlliesEnemies,
	StageApproach,
	StageOrdeal,
	StageReward,
	StageRoadBack,
	StageResurrection,
	StageReturnWithElixir,
}

// stageLexicon maps each stage to the lowercase substrings that identify it
// in free-form classifier output. Russian aliases come from the original
// reLove stage vocabulary; stems are kept distinctive enough that earlier
// stages do not shadow later ones.
var stageLexicon = map[Stage][]string{
	StageOrdinaryWorld:      {"ordinary-world", "ordinary world", "обычный мир", "привычный мир"},
	StageCallToAdventure:    {"call-to-adventure", "call to adventure", "зов к приключению", "зов к приключениям", "призыв к приключению"},
	StageRefusal:            {"refusal", "отказ от зова", "отвержение зова"},
	StageMeetingMentor:      {"meeting-mentor", "meeting the mentor", "встреча с наставником", "наставник"},
	StageCrossingThreshold:  {"crossing-threshold", "crossing the threshold", "пересечение порога", "преодоление порога"},
	StageTestsAlliesEnemies: {"tests-allies-enemies", "tests, allies", "allies and enemies", "союзники и враги", "испытания, союзники"},
	StageApproach:           {"approach", "приближение к пещере", "сокровенная пещера"},
	StageOrdeal:             {"ordeal", "главное испытание", "решающее испытание"},
	StageReward:             {"reward", "награда"},
	StageRoadBack:           {"road-back", "road back", "дорога назад", "обратный путь"},
	StageResurrection:       {"resurrection", "воскресение", "воскрешение"},
	StageReturnWithElixir:   {"return-with-elixir", "return with the elixir", "возвращение с эликсиром", "эликсир"},
}

// stageTitles are the human-readable names used when building prompts.
var stageTitles = map[Stage]string{
	StageOrdinaryWorld:      "Ordinary World (Обычный мир)",
	StageCallToAdventure:    "Call to Adventure (Зов к приключению)",
	StageRefusal:            "Refusal of the Call (Отказ от зова)",
	StageMeetingMentor:      "Meeting the Mentor (Встреча с наставником)",
	StageCrossingThreshold:  "Crossing the Threshold (Пересечение порога)",
	StageTestsAlliesEnemies: "Tests, Allies, Enemies (Испытания, союзники и враги)",
	StageApproach:           "Approach to the Inmost Cave (Приближение к сокровенной пещере)",
	StageOrdeal:             "Ordeal (Главное испытание)",
	StageReward:             "Reward (Награда)",
	StageRoadBack:           "The Road Back (Дорога назад)",
	StageResurrection:       "Resurrection (Воскресение)",
	StageReturnWithElixir:   "Return with the Elixir (Возвращение с эликсиром)",
}

func (s Stage) Valid() bool {
	_, ok := stageLexicon[s]
	return ok
}

// Title returns the bilingual display name for prompts and user output.
func (s Stage) Title() string {
	if t, ok := stageTitles[s]; ok {
		return t
	}
	return string(s)
}

// Final reports whether the stage is the terminal journey position.
func (s Stage) Final() bool {
	return s == StageReturnWithElixir
}

// Next returns the following stage, or the stage itself if it is final.
func (s Stage) Next() Stage {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1]
		}
	}
	return s
}

// ParseStage finds the first stage, in journey order, whose lexicon matches
// a substring of text. Matching is case-insensitive. The boolean is false
// when nothing matches; callers must then keep the current stage unchanged.
func ParseStage(text string) (Stage, bool) {
	lowered := strings.ToLower(text)
	for _, stage := range Stages {
		for _, alias := range stageLexicon[stage] {
			if strings.Contains(lowered, alias) {
				return stage, true
			}
		}
	}
	return "", false
}
