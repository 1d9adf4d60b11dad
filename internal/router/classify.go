package router

import (
	"fmt"
	"strings"
)

// Route is where a command runs.
type Route string

const (
	RouteLight Route = "light"
	RouteHeavy Route = "heavy"
)

// dashReplacer folds the dash glyphs mobile keyboards substitute for "--".
var dashReplacer = strings.NewReplacer("—", "--", "–", "--")

// NormalizeCommand folds alternate dashes to "--" and trims whitespace.
func NormalizeCommand(command string) string {
	return strings.TrimSpace(dashReplacer.Replace(command))
}

// heavyCatalogue lists toolchain entry points that always need the compute
// backend. Entries match as prefixes of the lower-cased command.
var heavyCatalogue = []string{
	"flutter", "dart",
	"npm", "yarn", "pnpm", "node", "webpack", "vite", "rollup", "next", "nuxt",
	"python", "python3", "pip", "pip3", "pytest", "uvicorn", "gunicorn", "django-admin",
	"java", "javac", "maven", "mvn", "gradle", "./gradlew", "./mvnw", "spring-boot",
	"go",
	"cargo", "rustc",
	"gcc", "g++", "clang", "clang++", "make", "cmake", "ninja",
	"dotnet", "msbuild",
	"php", "composer",
	"ruby", "bundle", "rails", "rake",
	"swift", "xcodebuild",
	"ng", "vue", "vue-cli-service",
	"build", "compile", "install", "test", "deploy",
	"apt-get", "yum", "brew", "pod",
}

// heavyVerbs route a command to the compute backend wherever they appear.
var heavyVerbs = []string{
	"flutter", "dart", "python", "pip",
	"build", "compile", "install",
	"download", "upload", "deploy",
}

// Classify decides the execution path. Casing and surrounding whitespace
// do not affect the outcome.
func Classify(command string, forceHeavy bool) Route {
	if forceHeavy {
		return RouteHeavy
	}
	cmd := strings.ToLower(NormalizeCommand(command))
	if cmd == "" {
		return RouteLight
	}
	for _, v := range heavyVerbs {
		if strings.Contains(cmd, v) {
			return RouteHeavy
		}
	}
	for _, p := range heavyCatalogue {
		if strings.HasPrefix(cmd, p) {
			return RouteHeavy
		}
	}
	return RouteLight
}

// Requirement names the project a command needs.
type Requirement struct {
	ProjectType string   `json:"projectType"`
	Files       []string `json:"expectedFiles,omitempty"`
	// Generic is set for build tools that usually need a project but have
	// no single marker file.
	Generic bool `json:"generic,omitempty"`
}

// Message is the human-readable RepositoryRequired explanation.
func (r Requirement) Message(command string) string {
	if r.Generic {
		return fmt.Sprintf("Repository required: Command '%s' typically requires a project context.\nPlease select a repository first or create a new project.", command)
	}
	return fmt.Sprintf("Repository required: Command '%s' requires a %s.\n\nExpected files: %s\nPlease select a repository first or create a new project.",
		command, r.ProjectType, strings.Join(r.Files, ", "))
}

type projectRule struct {
	commands []string
	req      Requirement
}

var projectRules = []projectRule{
	{
		commands: []string{"flutter run", "flutter build", "flutter test", "flutter pub get", "flutter pub upgrade", "flutter clean", "flutter analyze"},
		req:      Requirement{ProjectType: "Flutter project", Files: []string{"pubspec.yaml"}},
	},
	{
		commands: []string{"dart run", "dart compile", "dart test", "dart pub get", "dart pub upgrade"},
		req:      Requirement{ProjectType: "Dart project", Files: []string{"pubspec.yaml"}},
	},
	{
		commands: []string{"npm start", "npm run", "npm test", "npm install", "npm update", "npm audit", "yarn start", "yarn run", "yarn test", "yarn install", "yarn upgrade"},
		req:      Requirement{ProjectType: "Node.js project", Files: []string{"package.json"}},
	},
	{
		commands: []string{"python -m", "python3 -m", "pip install -r", "pip3 install -r", "pytest", "python manage.py", "python3 manage.py", "uvicorn", "gunicorn", "flask run", "django-admin"},
		req:      Requirement{ProjectType: "Python project", Files: []string{"requirements.txt", "pyproject.toml", "setup.py", "manage.py"}},
	},
	{
		commands: []string{"mvn compile", "mvn test", "mvn package", "mvn install", "mvn spring-boot:run", "gradle build", "gradle test", "gradle run", "./gradlew", "./mvnw"},
		req:      Requirement{ProjectType: "Java project", Files: []string{"pom.xml", "build.gradle", "build.gradle.kts"}},
	},
	{
		commands: []string{"go run", "go build", "go test", "go mod tidy", "go mod download", "go install"},
		req:      Requirement{ProjectType: "Go project", Files: []string{"go.mod"}},
	},
	{
		commands: []string{"cargo run", "cargo build", "cargo test", "cargo check", "cargo update", "cargo install"},
		req:      Requirement{ProjectType: "Rust project", Files: []string{"Cargo.toml"}},
	},
	{
		commands: []string{"yarn build", "next dev", "next build", "next start"},
		req:      Requirement{ProjectType: "React/Next.js project", Files: []string{"package.json"}},
	},
	{
		commands: []string{"yarn serve", "vue-cli-service"},
		req:      Requirement{ProjectType: "Vue.js project", Files: []string{"package.json", "vue.config.js"}},
	},
	{
		commands: []string{"ng serve", "ng build", "ng test", "ng e2e", "ng generate", "ng add"},
		req:      Requirement{ProjectType: "Angular project", Files: []string{"angular.json", "package.json"}},
	},
	{
		commands: []string{"gradle bootrun"},
		req:      Requirement{ProjectType: "Spring Boot project", Files: []string{"pom.xml", "build.gradle"}},
	},
	{
		commands: []string{"docker-compose up", "docker-compose build", "docker-compose down", "docker build .", "docker run"},
		req:      Requirement{ProjectType: "Docker project", Files: []string{"Dockerfile", "docker-compose.yml", "docker-compose.yaml"}},
	},
}

// genericProjectCommands match as plain prefixes.
var genericProjectCommands = []string{
	"make", "cmake",
	"dotnet run", "dotnet build", "dotnet test",
	"composer install", "composer update", "php artisan",
	"bundle install", "bundle exec", "rails server", "rails console",
	"swift run", "swift build", "swift test",
}

// RequiredProject reports whether command needs a project context and
// which one. Multi-word entries match as prefixes; single-word entries
// match exactly or when followed by a space.
func RequiredProject(command string) (Requirement, bool) {
	cmd := strings.ToLower(NormalizeCommand(command))
	if cmd == "" {
		return Requirement{}, false
	}
	for _, rule := range projectRules {
		for _, c := range rule.commands {
			if matchesEntry(cmd, c) {
				return rule.req, true
			}
		}
	}
	for _, c := range genericProjectCommands {
		if strings.HasPrefix(cmd, c) {
			return Requirement{ProjectType: "project", Generic: true}, true
		}
	}
	return Requirement{}, false
}

func matchesEntry(cmd, entry string) bool {
	if strings.Contains(entry, " ") {
		return strings.HasPrefix(cmd, entry)
	}
	return cmd == entry || strings.HasPrefix(cmd, entry+" ")
}
