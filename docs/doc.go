// Package docs provides generated OpenAPI documentation.
//
// Skim API
//
//	@title			Skim API
//	@version		1.0
//	@description	Research-paper gathering API for managing tasks, papers, and analysis runs.
//	@termsOfService	http://swagger.io/terms/
//
//	@contact.name	API Support
//	@contact.url	https://github.com/jackzampolin/skim
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8112
//	@BasePath	/
//
//	@schemes	http https
package docs

//go:generate swag init -g ../cmd/skim/serve.go -o ./swagger --parseDependency --parseInternal
