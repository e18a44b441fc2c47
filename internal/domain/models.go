package domain

import "time"

type ItemType string

const (
	ItemTypeIngredient ItemType = "ingredient"
	ItemTypeMenu       ItemType = "menu"
	ItemTypePrep       ItemType = "prep"
)

func (t ItemType) IsRecipe() bool {
	return t == ItemTypeMenu || t == ItemTypePrep
}

func (t ItemType) Valid() bool {
	return t == ItemTypeIngredient || t.IsRecipe()
}

type Business struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Store carries the per-store settings read by the overhead allocator.
type Store struct {
	ID                      string    `json:"id"`
	BusinessID              string    `json:"business_id"`
	Name                    string    `json:"name"`
	MonthlyFixedCost        float64   `json:"monthly_fixed_cost"`
	MonthlyTargetSalesCount int       `json:"monthly_target_sales_count"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

type StoreSettingsUpdateRequest struct {
	MonthlyFixedCost        *float64 `json:"monthly_fixed_cost,omitempty"`
	MonthlyTargetSalesCount *int     `json:"monthly_target_sales_count,omitempty"`
}

type Category struct {
	ID        string    `json:"id"`
	StoreID   string    `json:"store_id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

type CategoryCreateRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type Ingredient struct {
	ID               string    `json:"id"`
	StoreID          string    `json:"store_id"`
	Name             string    `json:"name"`
	CategoryID       string    `json:"category_id,omitempty"`
	PurchasePrice    float64   `json:"purchase_price"`
	PurchaseUnit     string    `json:"purchase_unit"`
	UsageUnit        string    `json:"usage_unit"`
	ConversionFactor float64   `json:"conversion_factor"`
	LossRate         float64   `json:"loss_rate"`
	CurrentStock     float64   `json:"current_stock"`
	SafetyStock      float64   `json:"safety_stock"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type IngredientRequest struct {
	Name             string  `json:"name"`
	CategoryID       string  `json:"category_id"`
	PurchasePrice    float64 `json:"purchase_price"`
	PurchaseUnit     string  `json:"purchase_unit"`
	UsageUnit        string  `json:"usage_unit"`
	ConversionFactor float64 `json:"conversion_factor"`
	LossRate         float64 `json:"loss_rate"`
	CurrentStock     float64 `json:"current_stock"`
	SafetyStock      float64 `json:"safety_stock"`
}

// IngredientView is an ingredient with its derived cost per usage unit.
type IngredientView struct {
	Ingredient
	UnitCost float64 `json:"unit_cost"`
}

type StockKind string

const (
	StockKindPurchase    StockKind = "purchase"
	StockKindSpoilage    StockKind = "spoilage"
	StockKindCorrection  StockKind = "correction"
	StockKindSale        StockKind = "sale"
	StockKindOrderCancel StockKind = "order_cancel"
)

// StockChange is a requested movement; Quantity is a delta except for
// corrections, where it is the counted absolute stock.
type StockChange struct {
	IngredientID string
	Kind         StockKind
	Quantity     float64
	Note         string
	RefID        string
	CreatedBy    string
}

// StockLog is immutable once written.
type StockLog struct {
	ID           string    `json:"id"`
	StoreID      string    `json:"store_id"`
	IngredientID string    `json:"ingredient_id"`
	Kind         StockKind `json:"kind"`
	Quantity     float64   `json:"quantity"`
	Before       float64   `json:"before"`
	After        float64   `json:"after"`
	Shortfall    float64   `json:"shortfall,omitempty"`
	Note         string    `json:"note,omitempty"`
	RefID        string    `json:"ref_id,omitempty"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
}

type StockAdjustmentRequest struct {
	Kind     StockKind `json:"kind"`
	Quantity float64   `json:"quantity"`
	Note     string    `json:"note"`
}

type LowStockAlert struct {
	IngredientID string  `json:"ingredient_id"`
	Name         string  `json:"name"`
	PurchaseUnit string  `json:"purchase_unit"`
	CurrentStock float64 `json:"current_stock"`
	SafetyStock  float64 `json:"safety_stock"`
	Shortfall    float64 `json:"shortfall"`
}

type Recipe struct {
	ID           string    `json:"id"`
	StoreID      string    `json:"store_id"`
	Name         string    `json:"name"`
	Type         ItemType  `json:"type"`
	CategoryID   string    `json:"category_id,omitempty"`
	SellingPrice float64   `json:"selling_price"`
	BatchSize    float64   `json:"batch_size,omitempty"`
	BatchUnit    string    `json:"batch_unit,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RecipeComponent is a weighted edge of the composition graph. Quantity is
// expressed per one unit of the owning recipe.
type RecipeComponent struct {
	RecipeID string   `json:"recipe_id"`
	ItemID   string   `json:"item_id"`
	ItemType ItemType `json:"item_type"`
	Quantity float64  `json:"quantity"`
	Position int      `json:"position"`
}

type RecipeDetail struct {
	Recipe     Recipe            `json:"recipe"`
	Components []RecipeComponent `json:"components"`
}

type ComponentInput struct {
	ItemID   string   `json:"item_id"`
	ItemType ItemType `json:"item_type"`
	Quantity float64  `json:"quantity"`
}

type RecipeRequest struct {
	Name         string           `json:"name"`
	Type         ItemType         `json:"type"`
	CategoryID   string           `json:"category_id"`
	SellingPrice float64          `json:"selling_price"`
	BatchSize    float64          `json:"batch_size"`
	BatchUnit    string           `json:"batch_unit"`
	Components   []ComponentInput `json:"components"`
}

// CostItem is one node of a resolved cost tree. For recipe nodes the
// children's TotalCost values sum to UnitCost.
type CostItem struct {
	ItemID    string     `json:"item_id"`
	Name      string     `json:"name"`
	Type      ItemType   `json:"type"`
	Quantity  float64    `json:"quantity"`
	Unit      string     `json:"unit,omitempty"`
	UnitCost  float64    `json:"unit_cost"`
	TotalCost float64    `json:"total_cost"`
	Children  []CostItem `json:"children,omitempty"`
}

type CostTree struct {
	RecipeID     string   `json:"recipe_id"`
	Root         CostItem `json:"root"`
	MaterialCost float64  `json:"material_cost"`
	MissingCount int      `json:"missing_count"`
	Warnings     []string `json:"warnings,omitempty"`
}

type OverheadMethod string

const (
	OverheadWeighted      OverheadMethod = "weighted"
	OverheadTargetBased   OverheadMethod = "target-based"
	OverheadNotConfigured OverheadMethod = "not-configured"
)

type OverheadAllocation struct {
	PerUnit          float64        `json:"per_unit"`
	Method           OverheadMethod `json:"method"`
	Configured       bool           `json:"configured"`
	Degraded         bool           `json:"degraded"`
	MonthlyFixedCost float64        `json:"monthly_fixed_cost"`
	Denominator      int64          `json:"denominator"`
}

type CostReport struct {
	Tree     CostTree           `json:"tree"`
	Overhead OverheadAllocation `json:"overhead"`
	Margin   MarginFigures      `json:"margin"`
}

type MarginFigures struct {
	SellingPrice    float64 `json:"selling_price"`
	MaterialCost    float64 `json:"material_cost"`
	OverheadPerUnit float64 `json:"overhead_per_unit"`
	TotalCost       float64 `json:"total_cost"`
	Margin          float64 `json:"margin"`
	MarginRate      float64 `json:"margin_rate"`
}

type MenuCosting struct {
	RecipeID     string        `json:"recipe_id"`
	Name         string        `json:"name"`
	CategoryID   string        `json:"category_id,omitempty"`
	Figures      MarginFigures `json:"figures"`
	MissingCount int           `json:"missing_count"`
	Error        string        `json:"error,omitempty"`
}

type MenuCostingResponse struct {
	StoreID  string             `json:"store_id"`
	Overhead OverheadAllocation `json:"overhead"`
	Items    []MenuCosting      `json:"items"`
}

type Quadrant string

const (
	QuadrantStar      Quadrant = "star"
	QuadrantPlowhorse Quadrant = "plowhorse"
	QuadrantPuzzle    Quadrant = "puzzle"
	QuadrantDog       Quadrant = "dog"
)

type MenuPerformance struct {
	ItemID       string   `json:"item_id"`
	Name         string   `json:"name"`
	Category     string   `json:"category"`
	SellingPrice float64  `json:"selling_price"`
	Margin       float64  `json:"margin"`
	MarginRate   float64  `json:"margin_rate"`
	SalesVolume  int64    `json:"sales_volume"`
	TotalProfit  float64  `json:"total_profit"`
	Quadrant     Quadrant `json:"quadrant"`
	MissingCount int      `json:"missing_count"`
}

// MenuSkipped is a menu item left out of classification because its cost
// could not be resolved.
type MenuSkipped struct {
	ItemID string `json:"item_id"`
	Name   string `json:"name"`
	Error  string `json:"error"`
}

type MenuBaseline struct {
	AvgVolume float64 `json:"avg_volume"`
	AvgMargin float64 `json:"avg_margin"`
}

type MenuEngineeringReport struct {
	StoreID     string             `json:"store_id"`
	WindowDays  int                `json:"window_days"`
	Baseline    MenuBaseline       `json:"baseline"`
	Overhead    OverheadAllocation `json:"overhead"`
	Items       []MenuPerformance  `json:"items"`
	Skipped     []MenuSkipped      `json:"skipped"`
	GeneratedAt string             `json:"generated_at"`
}

type ItemSales struct {
	ItemID    string  `json:"item_id"`
	UnitsSold int64   `json:"units_sold"`
	Revenue   float64 `json:"revenue"`
}

type SalesSummary struct {
	PerItem        []ItemSales `json:"per_item"`
	TotalUnitsSold int64       `json:"total_units_sold"`
	TotalRevenue   float64     `json:"total_revenue"`
}

// PeriodFigures are the inputs of a profit waterfall for one period.
type PeriodFigures struct {
	Revenue          float64 `json:"revenue"`
	COGS             float64 `json:"cogs"`
	FixedCost        float64 `json:"fixed_cost"`
	VariableExpenses float64 `json:"variable_expenses"`
}

type WaterfallStep struct {
	Label  string  `json:"label"`
	Kind   string  `json:"kind"`
	Amount float64 `json:"amount"`
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
}

type ProfitBaseline struct {
	Revenue          float64 `json:"revenue"`
	COGSRate         float64 `json:"cogs_rate"`
	FixedCost        float64 `json:"fixed_cost"`
	VariableExpenses float64 `json:"variable_expenses"`
}

// ProfitAdjustments are independent percentage changes, e.g. 10 for +10%.
type ProfitAdjustments struct {
	VolumePercent   float64 `json:"volume_percent"`
	PricePercent    float64 `json:"price_percent"`
	CostRatePercent float64 `json:"cost_rate_percent"`
}

type ProfitOutcome struct {
	Revenue             float64 `json:"revenue"`
	COGS                float64 `json:"cogs"`
	GrossProfit         float64 `json:"gross_profit"`
	OperatingProfit     float64 `json:"operating_profit"`
	OperatingMarginRate float64 `json:"operating_margin_rate"`
}

type ProfitSimulation struct {
	Baseline    ProfitBaseline    `json:"baseline"`
	Adjustments ProfitAdjustments `json:"adjustments"`
	Current     ProfitOutcome     `json:"current"`
	Simulated   ProfitOutcome     `json:"simulated"`
	ProfitDelta float64           `json:"profit_delta"`
}

type ProfitSimulationRequest struct {
	WindowDays  int               `json:"window_days"`
	Adjustments ProfitAdjustments `json:"adjustments"`
}

type ProfitReport struct {
	StoreID    string          `json:"store_id"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Figures    PeriodFigures   `json:"figures"`
	Waterfall  []WaterfallStep `json:"waterfall"`
	Unresolved []string        `json:"unresolved_items,omitempty"`
}

type PurchaseItem struct {
	IngredientID string  `json:"ingredient_id"`
	Quantity     float64 `json:"quantity"`
	UnitPrice    float64 `json:"unit_price"`
}

type Purchase struct {
	ID          string         `json:"id"`
	StoreID     string         `json:"store_id"`
	Supplier    string         `json:"supplier"`
	Total       float64        `json:"total"`
	PurchasedAt time.Time      `json:"purchased_at"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	Items       []PurchaseItem `json:"items"`
}

type PurchaseCreateRequest struct {
	Supplier    string         `json:"supplier"`
	PurchasedAt string         `json:"purchased_at,omitempty"`
	Items       []PurchaseItem `json:"items"`
}

const (
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

type OrderItem struct {
	RecipeID  string  `json:"recipe_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

type Order struct {
	ID           string      `json:"id"`
	StoreID      string      `json:"store_id"`
	Status       string      `json:"status"`
	Total        float64     `json:"total"`
	CreatedBy    string      `json:"created_by"`
	CreatedAt    time.Time   `json:"created_at"`
	CancelledAt  *time.Time  `json:"cancelled_at,omitempty"`
	CancelReason string      `json:"cancel_reason,omitempty"`
	Items        []OrderItem `json:"items"`
}

type OrderLineInput struct {
	RecipeID string `json:"recipe_id"`
	Quantity int    `json:"quantity"`
}

type OrderCreateRequest struct {
	Items []OrderLineInput `json:"items"`
}

type OrderCancelRequest struct {
	Reason string `json:"reason"`
}

type ExpenseRecord struct {
	ID        string    `json:"id"`
	StoreID   string    `json:"store_id"`
	Category  string    `json:"category"`
	Amount    float64   `json:"amount"`
	Memo      string    `json:"memo,omitempty"`
	SpentOn   time.Time `json:"spent_on"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type ExpenseCreateRequest struct {
	Category string  `json:"category"`
	Amount   float64 `json:"amount"`
	Memo     string  `json:"memo"`
	SpentOn  string  `json:"spent_on"`
}

type SalesRecord struct {
	ID        string    `json:"id"`
	StoreID   string    `json:"store_id"`
	Channel   string    `json:"channel"`
	Amount    float64   `json:"amount"`
	Memo      string    `json:"memo,omitempty"`
	SoldOn    time.Time `json:"sold_on"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type SalesRecordCreateRequest struct {
	Channel string  `json:"channel"`
	Amount  float64 `json:"amount"`
	Memo    string  `json:"memo"`
	SoldOn  string  `json:"sold_on"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	BusinessID  string `json:"business_id"`
	ExpiresAt   string `json:"expires_at"`
}

const (
	RoleOwner   = "owner"
	RoleManager = "manager"
	RoleStaff   = "staff"
)

type Actor struct {
	Username   string
	Role       string
	BusinessID string
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for profiles.
type UserAccount struct {
	Username   string
	Password   string
	Role       string
	BusinessID string
	Active     bool
	CreatedAt  time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
