package exam

import "github.com/pavelanni/entrevue/internal/model"

// fallbackQuestions pads a level when generation and the theme banks run short.
var fallbackQuestions = map[model.Level][]string{
	model.LevelA: {
		"Présentez brièvement votre rôle actuel et vos principales tâches.",
		"Décrivez une journée de travail typique dans votre équipe.",
		"Expliquez comment vous organisez vos priorités pendant une semaine chargée.",
		"Quelles étapes suivez-vous pour traiter une demande simple d’un collègue ?",
		"Parlez d’un outil de travail que vous utilisez souvent et pourquoi.",
	},
	model.LevelB: {
		"Décrivez une situation non routinière où vous avez dû ajuster votre plan de travail.",
		"Expliquez les étapes que vous suivez pour résoudre un problème opérationnel concret.",
		"Racontez une collaboration inter-équipe où vous avez clarifié les rôles et responsabilités.",
		"Comment gérez-vous une demande urgente qui entre en conflit avec d’autres priorités ?",
		"Décrivez un exemple où vous avez fourni des explications factuelles à un public non spécialisé.",
	},
	model.LevelC: {
		"Présentez une opinion sur une politique de travail et appuyez-la avec des arguments nuancés.",
		"Discutez d’un scénario hypothétique où votre direction doit arbitrer entre deux priorités sensibles.",
		"Expliquez comment vous conseilleriez un collègue dans une situation délicate impliquant des parties prenantes multiples.",
		"Comment défendriez-vous une recommandation complexe face à des objections contradictoires ?",
		"Analysez une question abstraite liée au leadership et proposez une approche conditionnelle.",
	},
}
