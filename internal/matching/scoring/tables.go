package scoring

// relatedFields lists majors that earn partial credit against each other.
// Lookups go both ways, so an entry only needs to appear once.
var relatedFields = map[string][]string{
	"Computer Science":        {"Software Engineering", "Information Technology", "Data Science", "Computer Engineering"},
	"Software Engineering":    {"Information Technology"},
	"Data Science":            {"Statistics", "Mathematics"},
	"Mathematics":             {"Statistics", "Physics"},
	"Electrical Engineering":  {"Computer Engineering", "Physics"},
	"Mechanical Engineering":  {"Aerospace Engineering", "Civil Engineering"},
	"Business Administration": {"Economics", "Finance", "Marketing"},
	"Economics":               {"Finance"},
	"Biology":                 {"Chemistry", "Biochemistry", "Neuroscience"},
	"Chemistry":               {"Biochemistry"},
	"Psychology":              {"Sociology", "Neuroscience"},
}

// complementarySkills maps a skill category to the categories that pair well
// with it in a study partnership. Lookups go both ways.
var complementarySkills = map[string][]string{
	"Frontend":         {"Backend", "Database", "API", "UI/UX Design"},
	"Backend":          {"Database", "DevOps", "API"},
	"Mobile":           {"Backend", "API", "UI/UX Design"},
	"Machine Learning": {"Data Analysis", "Statistics", "Python"},
	"Data Analysis":    {"Statistics", "Database"},
	"DevOps":           {"Cloud", "Security"},
	"Writing":          {"Research", "Editing"},
	"Mathematics":      {"Physics", "Statistics"},
}

// adjacency is a symmetric membership index built from a one-directional table.
type adjacency map[string]map[string]struct{}

func buildAdjacency(table map[string][]string) adjacency {
	adj := make(adjacency)
	add := func(a, b string) {
		if adj[a] == nil {
			adj[a] = make(map[string]struct{})
		}
		adj[a][b] = struct{}{}
	}
	for key, values := range table {
		for _, v := range values {
			add(key, v)
			add(v, key)
		}
	}
	return adj
}

func (a adjacency) linked(x, y string) bool {
	_, ok := a[x][y]
	return ok
}

var (
	relatedFieldIndex       = buildAdjacency(relatedFields)
	complementarySkillIndex = buildAdjacency(complementarySkills)
)
